// Package export renders the generated proxy listeners as CSV and JSON
// lists for operators and client tooling.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Resinat/gostgen/internal/gost"
	"github.com/Resinat/gostgen/internal/topology"
)

// RandomTarget is the target shown for pool listeners.
const RandomTarget = "random"

var csvHeader = []string{"Country", "Country Code", "City", "City Code", "City No.", "Location Code", "Port", "Target"}

// Entry is one exported listener.
type Entry struct {
	Country      string `json:"Country"`
	CountryCode  string `json:"CountryCode"`
	City         string `json:"City"`
	CityCode     string `json:"CityCode"`
	CityNo       int    `json:"CityNo"`
	LocationCode string `json:"LocationCode"`
	Port         int    `json:"Port"`
	Target       string `json:"Target"`
}

// Entries converts builder output into export rows.
func Entries(proxies []topology.Proxy) []Entry {
	out := make([]Entry, 0, len(proxies))
	for _, p := range proxies {
		target := p.Relay.SocksName
		if p.Pool {
			target = RandomTarget
		}
		out = append(out, Entry{
			Country:      p.Group.CountryName,
			CountryCode:  p.Group.CountryCode,
			City:         p.Group.CityName,
			CityCode:     p.Group.CityCode,
			CityNo:       p.Slot,
			LocationCode: p.Group.Key(),
			Port:         p.Port,
			Target:       target,
		})
	}
	return out
}

// CSV renders entries with a header row. Country and city names are always
// quoted, other fields only when they need it. encoding/csv cannot force
// quoting per column, so rows are assembled here; the output still parses
// with csv.Reader.
func CSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	writeRow(&buf, csvHeader, nil)
	for _, e := range entries {
		writeRow(&buf, []string{
			e.Country, e.CountryCode, e.City, e.CityCode,
			strconv.Itoa(e.CityNo), e.LocationCode, strconv.Itoa(e.Port), e.Target,
		}, csvQuotedColumns)
	}
	return buf.Bytes(), nil
}

// Country and City.
var csvQuotedColumns = map[int]bool{0: true, 2: true}

func writeRow(buf *bytes.Buffer, fields []string, always map[int]bool) {
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if always[i] || needsQuotes(f) {
			buf.WriteString(`"` + strings.ReplaceAll(f, `"`, `""`) + `"`)
		} else {
			buf.WriteString(f)
		}
	}
	buf.WriteByte('\n')
}

// needsQuotes mirrors the rule of csv.Writer.
func needsQuotes(f string) bool {
	if f == "" {
		return false
	}
	if f == `\.` || strings.ContainsAny(f, `,"`+"\r\n") {
		return true
	}
	return f[0] == ' ' || f[0] == '\t'
}

// JSON renders entries as an indented array.
func JSON(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: json: %w", err)
	}
	return append(data, '\n'), nil
}

// Files names the export targets. An empty path disables that format.
type Files struct {
	CSV  string
	JSON string
}

// NeedsWrite reports whether path is missing or empty.
func NeedsWrite(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err != nil || info.Size() == 0
}

// Write renders and writes each configured file when force is set or the
// file is missing or empty. It returns the paths written.
func Write(files Files, entries []Entry, force bool) ([]string, error) {
	var written []string
	targets := []struct {
		path   string
		render func([]Entry) ([]byte, error)
	}{
		{files.CSV, CSV},
		{files.JSON, JSON},
	}
	for _, t := range targets {
		if t.path == "" || !(force || NeedsWrite(t.path)) {
			continue
		}
		data, err := t.render(entries)
		if err != nil {
			return written, err
		}
		if err := gost.WriteFileAtomic(t.path, data); err != nil {
			return written, fmt.Errorf("export: %w", err)
		}
		written = append(written, t.path)
	}
	return written, nil
}
