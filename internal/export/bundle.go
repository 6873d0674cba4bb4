package export

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/pysight-dev/pysight/internal/assets"
	"github.com/pysight-dev/pysight/internal/report"
)

// bundledReport is one report stream embedded in the bundle: the raw JSONL
// bytes gzip-compressed and base64-encoded, plus a checksum of the raw bytes
// for import-time consistency checking.
type bundledReport struct {
	Name     string `json:"name"`
	Data     string `json:"data"`
	Checksum string `json:"checksum"`
}

// Bundle exports the run in dir as one self-contained HTML file with the
// static viewer and every report stream embedded. Output is byte-for-byte
// reproducible for identical input reports.
func Bundle(dir, outFile string, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "bundle_export").Logger()

	ids, err := report.ListIDs(dir)
	if err != nil {
		return err
	}
	sort.Strings(ids)

	reports := make([]bundledReport, 0, len(ids))
	for _, id := range ids {
		raw, err := os.ReadFile(filepath.Join(dir, id+".json"))
		if err != nil {
			return fmt.Errorf("failed to read report stream %s: %w", id, err)
		}

		var buf bytes.Buffer
		gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if _, err := gz.Write(raw); err != nil {
			return fmt.Errorf("failed to compress report %s: %w", id, err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finalize compressed report %s: %w", id, err)
		}

		reports = append(reports, bundledReport{
			Name:     id + ".json",
			Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
			Checksum: fmt.Sprintf("%016x", xxh3.Hash(raw)),
		})
	}

	reportJSON, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("failed to serialize bundled reports: %w", err)
	}

	page := string(assets.IndexHTML())
	replaced := strings.Replace(page, assets.BundleMarker,
		"const BUNDLED_REPORTS = "+string(reportJSON)+";", 1)
	if replaced == page {
		return fmt.Errorf("viewer asset is missing the bundle insertion point")
	}

	if err := writeAtomic(outFile, logger, func(w io.Writer) error {
		if _, err := io.WriteString(w, replaced); err != nil {
			return fmt.Errorf("failed to write bundle: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	logger.Info().Str("path", outFile).Int("reports", len(reports)).Msg("Wrote bundle")
	return nil
}

// ReadBundle re-imports a bundle produced by Bundle and reconstructs the
// CompleteReport it embeds. A checksum mismatch or undecodable stream is a
// consistency failure and fails the whole import.
func ReadBundle(path string) (report.CompleteReport, error) {
	page, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	const prefix = "const BUNDLED_REPORTS = "
	start := bytes.Index(page, []byte(prefix))
	if start < 0 {
		return nil, fmt.Errorf("file is not a pysight bundle: missing report table")
	}
	rest := page[start+len(prefix):]
	// The report table is a JSON array of objects holding base64 payloads;
	// "];" cannot occur inside it.
	end := bytes.Index(rest, []byte("];"))
	if end < 0 {
		return nil, fmt.Errorf("file is not a pysight bundle: unterminated report table")
	}

	var reports []bundledReport
	if err := json.Unmarshal(rest[:end+1], &reports); err != nil {
		return nil, fmt.Errorf("failed to parse bundled report table: %w", err)
	}

	complete := make(report.CompleteReport, len(reports))
	for _, r := range reports {
		compressed, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode bundled report %s: %w", r.Name, err)
		}
		gz, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress bundled report %s: %w", r.Name, err)
		}
		raw, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress bundled report %s: %w", r.Name, err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("failed to decompress bundled report %s: %w", r.Name, err)
		}

		if sum := fmt.Sprintf("%016x", xxh3.Hash(raw)); sum != r.Checksum {
			return nil, fmt.Errorf("bundled report %s is corrupt: checksum %s, expected %s", r.Name, sum, r.Checksum)
		}

		entries, err := report.ParseStream(raw)
		if err != nil {
			return nil, fmt.Errorf("bundled report %s: %w", r.Name, err)
		}
		id := strings.TrimSuffix(r.Name, ".json")
		complete[id] = report.ProcessReport{ID: id, Entries: entries}
	}
	return complete, nil
}
