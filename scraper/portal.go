package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tenderradar/backend/internal/models"
)

// documentURLFormat points at the notice document download endpoint.
const documentURLFormat = "https://www.etenders.gov.ie/epps/cft/downloadNoticeForAdvSearch.do?resourceId=%s"

// portalClient fetches and parses listing pages of the procurement portal.
type portalClient struct {
	baseURL string
	client  *http.Client
}

// fetchPage downloads one listing page and returns the raw notices in it.
func (p *portalClient) fetchPage(ctx context.Context, page int) ([]models.RawNotice, error) {
	url := fmt.Sprintf("%s?d-3680175-p=%d&searchType=cftFTS&latest=true", p.baseURL, page)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch page %d: unexpected status %s", page, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse page %d: %w", page, err)
	}
	return parseListing(doc), nil
}

// parseListing walks the results table. Column positions follow the portal's
// quick-search layout: title in column 2, notice id in column 3, authority,
// published and deadline after it, estimated value in column 12. Rows missing
// an id are skipped; everything else stays a raw string for ingestion to
// parse.
func parseListing(doc *goquery.Document) []models.RawNotice {
	var records []models.RawNotice
	doc.Find("tbody tr").Each(func(_ int, row *goquery.Selection) {
		id := cell(row, 3)
		if id == "" {
			return
		}
		records = append(records, models.RawNotice{
			ID:             id,
			Title:          cell(row, 2),
			Authority:      cell(row, 4),
			PublishedAt:    cell(row, 5),
			DeadlineAt:     cell(row, 6),
			EstimatedValue: cell(row, 12),
			DocumentURL:    fmt.Sprintf(documentURLFormat, id),
		})
	})
	return records
}

func cell(row *goquery.Selection, n int) string {
	return strings.TrimSpace(row.Find(fmt.Sprintf("td:nth-child(%d)", n)).First().Text())
}
