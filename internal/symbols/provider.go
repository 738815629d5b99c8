// Package symbols supplies the futures symbol universe: a symbols.json file on
// disk, explicit lists, and discovery from the public archive's bucket listing.
package symbols

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Symbol kinds accepted by LoadSymbols.
const (
	KindPerpetual = "perpetual"
	KindDelivery  = "delivery"
	KindAll       = "all"
)

// Metadata describes when and how a symbols file was produced.
type Metadata struct {
	DiscoveryDate   string `json:"discovery_date"`
	LastDiscovery   string `json:"last_discovery,omitempty"`
	Source          string `json:"source,omitempty"`
	DiscoveryMethod string `json:"discovery_method,omitempty"`
	Note            string `json:"note,omitempty"`
	TotalPerpetual  int    `json:"total_perpetual"`
	TotalDelivery   int    `json:"total_delivery"`
	TotalAll        int    `json:"total_all"`
}

// File is the symbols.json document.
type File struct {
	Metadata         Metadata `json:"metadata"`
	PerpetualSymbols []string `json:"perpetual_symbols"`
	DeliverySymbols  []string `json:"delivery_symbols"`
}

// Select returns the symbols of kind. "all" is perpetual followed by delivery.
func (f *File) Select(kind string) ([]string, error) {
	switch kind {
	case KindPerpetual, "":
		return append([]string(nil), f.PerpetualSymbols...), nil
	case KindDelivery:
		return append([]string(nil), f.DeliverySymbols...), nil
	case KindAll:
		out := make([]string, 0, len(f.PerpetualSymbols)+len(f.DeliverySymbols))
		out = append(out, f.PerpetualSymbols...)
		return append(out, f.DeliverySymbols...), nil
	default:
		return nil, fmt.Errorf("invalid symbol kind %q: must be %s, %s or %s", kind, KindPerpetual, KindDelivery, KindAll)
	}
}

// FileProvider loads symbols from a symbols.json file on every call so a
// long-running daemon picks up rediscovered lists.
type FileProvider struct {
	Path string
}

// NewFileProvider returns a provider reading path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{Path: path}
}

// LoadSymbols returns the symbols of kind.
func (p *FileProvider) LoadSymbols(kind string) ([]string, error) {
	f, err := ReadSymbolsFile(p.Path)
	if err != nil {
		return nil, err
	}
	return f.Select(kind)
}

// Metadata returns the file's discovery metadata.
func (p *FileProvider) Metadata() (Metadata, error) {
	f, err := ReadSymbolsFile(p.Path)
	if err != nil {
		return Metadata{}, err
	}
	return f.Metadata, nil
}

// StaticProvider serves fixed lists.
type StaticProvider struct {
	Perpetual []string
	Delivery  []string
}

// LoadSymbols returns the symbols of kind.
func (p StaticProvider) LoadSymbols(kind string) ([]string, error) {
	f := File{PerpetualSymbols: p.Perpetual, DeliverySymbols: p.Delivery}
	return f.Select(kind)
}

// ReadSymbolsFile parses a symbols.json file.
func ReadSymbolsFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols file %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse symbols file %s: %w", path, err)
	}
	return &f, nil
}

// WriteSymbolsFile writes f to path via a temp file and rename.
func WriteSymbolsFile(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode symbols file: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create symbols directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace symbols file %s: %w", path, err)
	}
	return nil
}

// Diff lists how a discovery differs from the current file.
type Diff struct {
	NewPerpetual     []string
	NewDelivery      []string
	MissingPerpetual []string
	MissingDelivery  []string
}

// Changed reports whether the discovery found new symbols.
func (d Diff) Changed() bool {
	return len(d.NewPerpetual) > 0 || len(d.NewDelivery) > 0
}

// Merge folds a discovery into current. Symbols absent from the discovery are
// kept: a delisted symbol still has history worth probing. current may be nil.
func Merge(current *File, discovered *Discovery, source string, now time.Time) (*File, Diff) {
	if current == nil {
		current = &File{}
	}

	var diff Diff
	perpetual, newPerpetual, missingPerpetual := union(current.PerpetualSymbols, discovered.Perpetual)
	delivery, newDelivery, missingDelivery := union(current.DeliverySymbols, discovered.Delivery)
	diff.NewPerpetual, diff.MissingPerpetual = newPerpetual, missingPerpetual
	diff.NewDelivery, diff.MissingDelivery = newDelivery, missingDelivery

	now = now.UTC()
	return &File{
		Metadata: Metadata{
			DiscoveryDate:   now.Format("2006-01-02"),
			LastDiscovery:   now.Format(time.RFC3339),
			Source:          source,
			DiscoveryMethod: "S3 XML API",
			TotalPerpetual:  len(perpetual),
			TotalDelivery:   len(delivery),
			TotalAll:        len(perpetual) + len(delivery),
		},
		PerpetualSymbols: perpetual,
		DeliverySymbols:  delivery,
	}, diff
}

// union returns the sorted union plus what only found has and what only have has.
func union(have, found []string) (all, added, missing []string) {
	haveSet := make(map[string]struct{}, len(have))
	for _, s := range have {
		haveSet[s] = struct{}{}
	}
	foundSet := make(map[string]struct{}, len(found))
	for _, s := range found {
		foundSet[s] = struct{}{}
	}

	merged := make(map[string]struct{}, len(haveSet)+len(foundSet))
	for s := range haveSet {
		merged[s] = struct{}{}
		if _, ok := foundSet[s]; !ok {
			missing = append(missing, s)
		}
	}
	for s := range foundSet {
		if _, ok := haveSet[s]; !ok {
			added = append(added, s)
		}
		merged[s] = struct{}{}
	}

	all = make([]string, 0, len(merged))
	for s := range merged {
		all = append(all, s)
	}
	sort.Strings(all)
	sort.Strings(added)
	sort.Strings(missing)
	return all, added, missing
}
