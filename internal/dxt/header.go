package dxt

import (
	"encoding/json"
	"strconv"
	"strings"
)

const moduleDataMarker = "# DXT_POSIX module data"

// Header is the job-level preamble of a darshan-parser text dump.
type Header struct {
	Fields   []HeaderField  `json:"fields"`
	Metadata []HeaderField  `json:"metadata"`
	Regions  []ModuleRegion `json:"log_file_regions"`
}

// HeaderField is one "# key: value" line. Keys have spaces replaced with
// underscores.
type HeaderField struct {
	Key   string
	Value string
}

// Int returns the value as an integer when it is all digits.
func (f HeaderField) Int() (int64, bool) {
	if f.Value == "" || strings.TrimLeft(f.Value, "0123456789") != "" {
		return 0, false
	}
	v, err := strconv.ParseInt(f.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Float returns the value as a float when it has the form digits.digits.
func (f HeaderField) Float() (float64, bool) {
	whole, frac, ok := strings.Cut(f.Value, ".")
	if !ok || whole == "" || frac == "" {
		return 0, false
	}
	if strings.TrimLeft(whole, "0123456789") != "" || strings.TrimLeft(frac, "0123456789") != "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(f.Value, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (f HeaderField) MarshalJSON() ([]byte, error) {
	doc := struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}{Key: f.Key, Value: f.Value}
	if v, ok := f.Int(); ok {
		doc.Value = v
	} else if v, ok := f.Float(); ok {
		doc.Value = v
	}
	return json.Marshal(doc)
}

// ModuleRegion describes one "# <module> module: <info>, ver=<n>" line.
type ModuleRegion struct {
	Name       string `json:"name"`
	Info       string `json:"info"`
	Version    int    `json:"ver,omitempty"`
	HasVersion bool   `json:"-"`
}

// Lookup returns the first field with the given key.
func (h Header) Lookup(key string) (HeaderField, bool) {
	for _, field := range h.Fields {
		if field.Key == key {
			return field, true
		}
	}
	return HeaderField{}, false
}

// ParseHeader collects the "#" preamble up to the DXT module data.
func ParseHeader(text string) Header {
	header := Header{
		Fields:   []HeaderField{},
		Metadata: []HeaderField{},
		Regions:  []ModuleRegion{},
	}
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.Contains(line, moduleDataMarker) {
			break
		}
		if !strings.HasPrefix(line, "#") || len(line) < 2 {
			continue
		}
		key, value, ok := strings.Cut(line[2:], ": ")
		if !ok {
			continue
		}

		switch {
		case key == "metadata":
			parts := strings.Split(value, " = ")
			if len(parts) == 2 {
				header.Metadata = append(header.Metadata, HeaderField{Key: parts[0], Value: parts[1]})
			}
		case strings.Contains(key, "module"):
			parts := strings.Split(value, ", ")
			region := ModuleRegion{
				Name: strings.ReplaceAll(key, " ", "_"),
				Info: parts[0],
			}
			if len(parts) > 1 {
				if _, raw, found := strings.Cut(parts[1], "="); found {
					if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
						region.Version = v
						region.HasVersion = true
					}
				}
			}
			header.Regions = append(header.Regions, region)
		default:
			header.Fields = append(header.Fields, HeaderField{
				Key:   strings.ReplaceAll(key, " ", "_"),
				Value: value,
			})
		}
	}
	return header
}
