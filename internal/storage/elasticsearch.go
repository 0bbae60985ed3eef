package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tickhub/internal/config"
)

// ElasticSearch is for connecting and indexing data to elastic search.
type ElasticSearch struct {
	ES        *elasticsearch.Client
	IndexName string
	Cfg       *config.ES
}

// NewElasticSearch initializes elastic search connection with configured values.
func NewElasticSearch(appCtx context.Context, cfg *config.ES) (*ElasticSearch, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: t,
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := requestCtx(appCtx, cfg.ReqTimeoutSec)
	defer cancel()
	resp, err := es.Ping(es.Ping.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return &ElasticSearch{
		ES:        es,
		IndexName: cfg.IndexName,
		Cfg:       cfg,
	}, nil
}

// Name returns the storage name used in config.
func (e *ElasticSearch) Name() string { return "elastic_search" }

// esData holds tick data which will be sent to elastic search.
type esData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// bulkBody builds the newline delimited bulk request body.
func bulkBody(data []MarketTick, createdAt time.Time) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	meta := []byte(fmt.Sprintf(`{"create":{}}%s`, "\n"))
	for _, tick := range data {
		ed := esData{
			Symbol:    tick.Symbol,
			Price:     tick.Price,
			Volume:    tick.Volume,
			Timestamp: tick.Time(),
			CreatedAt: createdAt,
		}
		esBytes, err := jsoniter.Marshal(ed)
		if err != nil {
			return nil, err
		}
		esBytes = append(esBytes, "\n"...)
		buf.Grow(len(meta) + len(esBytes))
		buf.Write(meta)
		buf.Write(esBytes)
	}
	return &buf, nil
}

// CommitTicks batch inserts input tick data to elastic search.
func (e *ElasticSearch) CommitTicks(appCtx context.Context, data []MarketTick) error {
	if len(data) == 0 {
		return nil
	}
	buf, err := bulkBody(data, time.Now().UTC())
	if err != nil {
		return err
	}
	ctx, cancel := requestCtx(appCtx, e.Cfg.ReqTimeoutSec)
	defer cancel()
	resp, err := e.ES.Bulk(bytes.NewReader(buf.Bytes()), e.ES.Bulk.WithIndex(e.IndexName), e.ES.Bulk.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("code : %v, status : %v", resp.StatusCode, resp.Status())
	}
	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return err
	}
	return nil
}
