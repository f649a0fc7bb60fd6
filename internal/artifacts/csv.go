package artifacts

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/voicelane/voicelane/internal/campaign"
)

// CSVSource reads uploaded csv campaign sources out of object storage.
// Source IDs are object keys; they must sit under the owning organization's
// prefix so one org cannot sync another org's upload.
type CSVSource struct {
	storage Storage
}

// NewCSVSource returns a [campaign.SourceReader] backed by storage.
func NewCSVSource(storage Storage) *CSVSource {
	return &CSVSource{storage: storage}
}

var _ campaign.SourceReader = (*CSVSource)(nil)

// SourceKeyPrefix is where an organization's uploaded sources live.
func SourceKeyPrefix(orgID string) string { return "campaigns/" + orgID + "/" }

// ReadRows loads and parses a csv source. The first record is the header;
// every data row must carry a non-empty phone_number.
func (s *CSVSource) ReadRows(ctx context.Context, orgID, sourceType, sourceID string) ([]campaign.SourceRow, error) {
	if sourceType != "csv" {
		return nil, fmt.Errorf("artifacts: unsupported source type %q", sourceType)
	}
	if !strings.HasPrefix(sourceID, SourceKeyPrefix(orgID)) {
		return nil, fmt.Errorf("artifacts: source %q does not belong to organization %s", sourceID, orgID)
	}

	data, err := s.storage.Get(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("artifacts: fetch source: %w", err)
	}
	return parseCSV(data)
}

func parseCSV(data []byte) ([]campaign.SourceRow, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("artifacts: read csv header: %w", err)
	}
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
	}
	phoneCol := -1
	for i, col := range header {
		if col == "phone_number" {
			phoneCol = i
			break
		}
	}
	if phoneCol < 0 {
		return nil, fmt.Errorf("artifacts: csv source has no phone_number column")
	}

	var rows []campaign.SourceRow
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("artifacts: read csv row: %w", err)
		}
		if strings.TrimSpace(record[phoneCol]) == "" {
			return nil, fmt.Errorf("artifacts: csv line %d is missing phone_number", line)
		}

		values := make(map[string]string, len(header))
		for i, col := range header {
			if col == "" {
				continue
			}
			values[col] = strings.TrimSpace(record[i])
		}
		rows = append(rows, campaign.SourceRow{
			UUID:   uuid.NewString(),
			Values: values,
		})
	}
	return rows, nil
}
