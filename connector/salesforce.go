package connector

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/model"
	"github.com/brightpath-edu/cdp/normalizer"
)

// DefaultSFFieldMap translates Salesforce field API names to unified
// field names. It is runtime configuration, not a type: deployments
// override it per org without a rebuild.
var DefaultSFFieldMap = map[string]string{
	"Id":                     "salesforce_id",
	"FirstName":              "first_name",
	"LastName":               "last_name",
	"Email":                  "email",
	"Phone":                  "phone",
	"LeadStatus":             "enrollment_status",
	"Program_of_Interest__c": "program_interest",
	"CreatedDate":            "sf_created_at",
	"LastModifiedDate":       "sf_modified_at",
}

// SalesforceConnector imports a bulk CSV export of CRM records. Each
// row becomes a CRM-sourced canonical event keyed by salesforce_id. A
// Redis counter guards the org's daily API budget so imports and live
// integrations share one quota.
type SalesforceConnector struct {
	reader     *csv.Reader
	fieldMap   map[string]string
	norm       *normalizer.Normalizer
	rate       *redis.Client // optional
	dailyLimit int
	header     []string
	log        zerolog.Logger
}

// NewSalesforceConnector builds the importer. rate may be nil to skip
// quota tracking; fieldMap nil uses DefaultSFFieldMap.
func NewSalesforceConnector(r io.Reader, fieldMap map[string]string, norm *normalizer.Normalizer, rate *redis.Client, dailyLimit int, log zerolog.Logger) *SalesforceConnector {
	if fieldMap == nil {
		fieldMap = DefaultSFFieldMap
	}
	if dailyLimit <= 0 {
		dailyLimit = 100000
	}
	return &SalesforceConnector{
		reader:     csv.NewReader(r),
		fieldMap:   fieldMap,
		norm:       norm,
		rate:       rate,
		dailyLimit: dailyLimit,
		log:        log.With().Str("component", "salesforce-connector").Logger(),
	}
}

func (c *SalesforceConnector) Name() string { return "salesforce" }

// Start reads the CSV header row.
func (c *SalesforceConnector) Start(context.Context) error {
	header, err := c.reader.Read()
	if err != nil {
		return fmt.Errorf("read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	c.header = header
	return nil
}

func (c *SalesforceConnector) Stop(context.Context) error { return nil }

// Next yields the next CSV row as a canonical event, or io.EOF when
// the file is exhausted. Rows with the wrong column count are skipped.
func (c *SalesforceConnector) Next(ctx context.Context) (*model.CanonicalEvent, string, error) {
	for {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if err := c.checkRateLimit(ctx); err != nil {
			return nil, "", err
		}

		record, err := c.reader.Read()
		if err == io.EOF {
			return nil, "", io.EOF
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed CSV row, skipping")
			continue
		}
		if len(record) != len(c.header) {
			c.log.Warn().Int("columns", len(record)).Msg("CSV row column mismatch, skipping")
			continue
		}

		row := make(map[string]any, len(c.header))
		for i, col := range c.header {
			row[col] = record[i]
		}

		event := c.norm.NormalizeCSVRow(row, c.fieldMap)
		key, _ := event.NormalizedData["salesforce_id"].(string)
		if key == "" {
			key = event.StudentID
		}
		return event, key, nil
	}
}

// checkRateLimit increments the shared daily API-call counter and
// fails once the org budget is spent.
func (c *SalesforceConnector) checkRateLimit(ctx context.Context) error {
	if c.rate == nil {
		return nil
	}
	key := "cdp:sf:api_calls:" + time.Now().UTC().Format("2006-01-02")
	count, err := c.rate.Incr(ctx, key).Result()
	if err != nil {
		c.log.Warn().Err(err).Msg("rate counter unavailable, proceeding")
		return nil
	}
	if count == 1 {
		c.rate.Expire(ctx, key, 48*time.Hour)
	}
	if count > int64(c.dailyLimit) {
		return fmt.Errorf("salesforce daily API limit reached (%d)", c.dailyLimit)
	}
	return nil
}
