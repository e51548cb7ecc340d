package leafapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/resilience"
)

const (
	opListModels    = "list_models"
	opPredictImage  = "predict_image"
	opPredictBatch  = "predict_batch"
	opListHistory   = "list_history"
	opFetchImage    = "fetch_image"
	opDeleteHistory = "delete_history"
)

// Client talks to the leaf classification service. It serves both the
// inference and the history store ports.
type Client struct {
	baseURL    string
	httpClient *http.Client
	guard      *resilience.Guard
	schemas    *schemaSet
}

type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Guard      *resilience.Guard
}

func New(baseURL string, opts Options) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("leaf api base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse leaf api base url: %w", err)
	}

	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	guard := opts.Guard
	if guard == nil {
		guard = resilience.NewGuard(resilience.Config{Enabled: false}, nil)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		guard:      guard,
		schemas:    schemas,
	}, nil
}

var (
	_ ports.InferenceService = (*Client)(nil)
	_ ports.HistoryStore     = (*Client)(nil)
)

// ListModels accepts a bare array or an object wrapping it under "data" or
// "models". Every other shape is rejected.
func (c *Client) ListModels(ctx context.Context) ([]domain.Model, error) {
	var models []domain.Model
	err := c.call(ctx, opListModels, func(ctx context.Context) error {
		raw, err := c.get(ctx, "/models", opListModels)
		if err != nil {
			return err
		}
		list, err := normalizeModelList(raw)
		if err != nil {
			return err
		}
		if err := c.schemas.check(opListModels, schemaModelList, list); err != nil {
			return err
		}
		if err := json.Unmarshal(list, &models); err != nil {
			return domain.WrapError(domain.ErrInvalidResponseShape, opListModels, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return models, nil
}

func (c *Client) PredictImage(ctx context.Context, modelKey string, threshold domain.Threshold, file ports.Upload) (domain.RawPrediction, error) {
	var prediction domain.RawPrediction
	err := c.call(ctx, opPredictImage, func(ctx context.Context) error {
		raw, err := c.postFile(ctx, predictPath("/predict-image/", modelKey, threshold), file, opPredictImage)
		if err != nil {
			return err
		}
		if err := c.schemas.check(opPredictImage, schemaPrediction, raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &prediction); err != nil {
			return domain.WrapError(domain.ErrInvalidResponseShape, opPredictImage, err)
		}
		return nil
	})
	if err != nil {
		return domain.RawPrediction{}, err
	}
	return prediction, nil
}

// PredictBatch uploads a zip archive. Items carrying their own error are
// returned as is; they never fail the batch.
func (c *Client) PredictBatch(ctx context.Context, modelKey string, threshold domain.Threshold, archive ports.Upload) ([]domain.RawPrediction, error) {
	var predictions []domain.RawPrediction
	err := c.call(ctx, opPredictBatch, func(ctx context.Context) error {
		raw, err := c.postFile(ctx, predictPath("/predict-batch-zip/", modelKey, threshold), archive, opPredictBatch)
		if err != nil {
			return err
		}
		if err := c.schemas.check(opPredictBatch, schemaBatchResult, raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &predictions); err != nil {
			return domain.WrapError(domain.ErrInvalidResponseShape, opPredictBatch, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return predictions, nil
}

func (c *Client) ListHistory(ctx context.Context) ([]domain.HistoryRecord, error) {
	var records []domain.HistoryRecord
	err := c.call(ctx, opListHistory, func(ctx context.Context) error {
		raw, err := c.get(ctx, "/history", opListHistory)
		if err != nil {
			return err
		}
		if err := c.schemas.check(opListHistory, schemaHistoryList, raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &records); err != nil {
			return domain.WrapError(domain.ErrInvalidResponseShape, opListHistory, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.HistoryRecord{}
	}
	return records, nil
}

// FetchImage returns the base64 payload. A 404 or an empty payload means the
// record has no retrievable image.
func (c *Client) FetchImage(ctx context.Context, id int64) (string, error) {
	var payload struct {
		ImageData *string `json:"image_data"`
	}
	err := c.call(ctx, opFetchImage, func(ctx context.Context) error {
		raw, err := c.get(ctx, historyPath(id)+"/image", opFetchImage)
		if err != nil {
			return err
		}
		if err := c.schemas.check(opFetchImage, schemaHistoryImage, raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return domain.WrapError(domain.ErrInvalidResponseShape, opFetchImage, err)
		}
		return nil
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return "", domain.WrapError(domain.ErrNoImageAvailable, opFetchImage, err)
		}
		return "", err
	}
	if payload.ImageData == nil || strings.TrimSpace(*payload.ImageData) == "" {
		return "", domain.WrapError(domain.ErrNoImageAvailable, opFetchImage, fmt.Errorf("record %d has no image payload", id))
	}
	return *payload.ImageData, nil
}

func (c *Client) DeleteHistory(ctx context.Context, id int64) error {
	return c.call(ctx, opDeleteHistory, func(ctx context.Context) error {
		return c.delete(ctx, historyPath(id), opDeleteHistory)
	})
}

func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	err := c.guard.Execute(ctx, operation, fn, countsAgainstBreaker)
	return classify(operation, err)
}

// normalizeModelList reduces the accepted /models shapes to a bare array.
func normalizeModelList(raw json.RawMessage) (json.RawMessage, error) {
	switch {
	case bytes.HasPrefix(raw, []byte("[")):
		return raw, nil
	case bytes.HasPrefix(raw, []byte("{")):
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, domain.WrapError(domain.ErrInvalidResponseShape, opListModels, err)
		}
		for _, key := range []string{"data", "models"} {
			if inner, ok := wrapper[key]; ok {
				inner = bytes.TrimSpace(inner)
				if !bytes.HasPrefix(inner, []byte("[")) {
					return nil, domain.WrapError(domain.ErrInvalidResponseShape, opListModels, fmt.Errorf("%q is not an array", key))
				}
				return inner, nil
			}
		}
		return nil, domain.WrapError(domain.ErrInvalidResponseShape, opListModels, errors.New(`object carries neither "data" nor "models"`))
	default:
		return nil, domain.WrapError(domain.ErrInvalidResponseShape, opListModels, errors.New("expected an array or an object"))
	}
}

func predictPath(prefix, modelKey string, threshold domain.Threshold) string {
	q := url.Values{}
	q.Set("threshold", strconv.FormatFloat(threshold.Float(), 'f', -1, 64))
	return prefix + url.PathEscape(modelKey) + "?" + q.Encode()
}

func historyPath(id int64) string {
	return "/history/" + strconv.FormatInt(id, 10)
}
