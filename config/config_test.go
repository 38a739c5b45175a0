package config

import (
	"testing"

	"github.com/baresque/bar"
)

type testOptions struct {
	PartSize   int64
	MaxThreads int
	Verbose    bool
	Algorithm  int
	Flags      uint64
	Name       string
}

func buildTable(opts *testOptions) Table {
	return Table{
		{
			Name: "archive-part-size", Type: TypeInteger64,
			Target: func() (interface{}, bool) { return &opts.PartSize, true },
			Units: []Unit{{"K", 1024}, {"M", 1024 * 1024}, {"G", 1024 * 1024 * 1024}},
			Min:   0, Max: 1 << 40,
		},
		{
			Name: "max-threads", Type: TypeInteger,
			Target: func() (interface{}, bool) { return &opts.MaxThreads, true },
			Min:    1, Max: 256,
		},
		{
			Name: "verbose", Type: TypeBool,
			Target: func() (interface{}, bool) { return &opts.Verbose, true },
		},
		{
			Name: "compress-algorithm", Type: TypeEnum,
			Target: func() (interface{}, bool) { return &opts.Algorithm, true },
			EnumValues: []EnumValue{
				{"none", 0}, {"zip", 1}, {"zstd", 2},
			},
		},
		{
			Name: "flags", Type: TypeSet,
			Target: func() (interface{}, bool) { return &opts.Flags, true },
			SetValues: []SetValue{
				{"a", 1 << 0}, {"b", 1 << 1}, {"c", 1 << 2},
			},
		},
		{
			Name: "name", Type: TypeString,
			Target: func() (interface{}, bool) { return &opts.Name, true },
		},
		{Name: "old-name", Type: TypeDeprecated, ReplacedBy: "name"},
	}
}

func TestParseScaledIntegerWithUnit(t *testing.T) {
	var opts testOptions
	p := &Parser{Table: buildTable(&opts)}
	if err := p.Parse("", "archive-part-size", "4M"); err != nil {
		t.Fatal(err)
	}
	if opts.PartSize != 4*1024*1024 {
		t.Fatalf("got %d", opts.PartSize)
	}
}

func TestParseRangeCheck(t *testing.T) {
	var opts testOptions
	p := &Parser{Table: buildTable(&opts)}
	if err := p.Parse("", "max-threads", "1000"); bar.KindOf(err) != bar.CorruptData {
		t.Fatalf("got %v, want CORRUPT_DATA", err)
	}
}

func TestParseBoolEnumSet(t *testing.T) {
	var opts testOptions
	p := &Parser{Table: buildTable(&opts)}
	if err := p.Parse("", "verbose", "yes"); err != nil {
		t.Fatal(err)
	}
	if !opts.Verbose {
		t.Fatal("expected verbose=true")
	}
	if err := p.Parse("", "compress-algorithm", "zstd"); err != nil {
		t.Fatal(err)
	}
	if opts.Algorithm != 2 {
		t.Fatalf("got %d", opts.Algorithm)
	}
	if err := p.Parse("", "flags", "a,c"); err != nil {
		t.Fatal(err)
	}
	if opts.Flags != 0b101 {
		t.Fatalf("got %b", opts.Flags)
	}
}

func TestParseUnknownUnit(t *testing.T) {
	var opts testOptions
	p := &Parser{Table: buildTable(&opts)}
	if err := p.Parse("", "archive-part-size", "4Q"); bar.KindOf(err) != bar.CorruptData {
		t.Fatalf("got %v, want CORRUPT_DATA", err)
	}
}

func TestDeprecatedOptionWarnsOnceAndRedirects(t *testing.T) {
	var opts testOptions
	var warnings []string
	p := &Parser{Table: buildTable(&opts), Warn: func(msg string) { warnings = append(warnings, msg) }}
	if err := p.Parse("", "old-name", "hello"); err != nil {
		t.Fatal(err)
	}
	if opts.Name != "hello" {
		t.Fatalf("got %q, want redirected value", opts.Name)
	}
	if err := p.Parse("", "old-name", "world"); err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want exactly 1 (once per option per run): %v", len(warnings), warnings)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	var opts testOptions
	p := &Parser{Table: buildTable(&opts)}
	if err := p.Parse("", "archive-part-size", "2G"); err != nil {
		t.Fatal(err)
	}
	got, err := p.Format("", "archive-part-size")
	if err != nil {
		t.Fatal(err)
	}
	if got != "2G" {
		t.Fatalf("got %q, want \"2G\"", got)
	}
}

func TestParseTextWithSections(t *testing.T) {
	var opts testOptions
	p := &Parser{Table: Table{
		{Name: "verbose", Section: "logging", Type: TypeBool,
			Target: func() (interface{}, bool) { return &opts.Verbose, true }},
	}}
	text := "# a comment\n[logging]\nverbose = yes\n[end]\n"
	if err := p.ParseText(text); err != nil {
		t.Fatal(err)
	}
	if !opts.Verbose {
		t.Fatal("expected verbose=true from sectioned input")
	}
}

func TestParseTextSiblingSectionNotMatched(t *testing.T) {
	var opts testOptions
	p := &Parser{Table: Table{
		{Name: "verbose", Section: "logging", Type: TypeBool,
			Target: func() (interface{}, bool) { return &opts.Verbose, true }},
	}}
	// "verbose" here is unqualified (default section), so it must not
	// resolve to the "logging" section's descriptor.
	if err := p.ParseText("verbose = yes\n"); bar.KindOf(err) != bar.CorruptData {
		t.Fatalf("got %v, want CORRUPT_DATA (descriptor lives only in [logging])", err)
	}
}

func TestOptionalSubsystemNilBaseDiscardsSilently(t *testing.T) {
	table := Table{
		{
			Name: "subsystem-opt", Type: TypeBool,
			Target: func() (interface{}, bool) { return nil, false },
		},
	}
	p := &Parser{Table: table}
	if err := p.Parse("", "subsystem-opt", "yes"); err != nil {
		t.Fatalf("expected silent discard, got error %v", err)
	}
}

func TestDeleteBySection(t *testing.T) {
	text := "a = 1\n[logging]\nverbose = yes\n[end]\nb = 2\n"
	got := DeleteBySection(text, "logging")
	want := "a = 1\nb = 2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDeleteByName(t *testing.T) {
	text := "a = 1\n# keep me\nb = 2\na = 3\n"
	got := DeleteByName(text, "a")
	want := "# keep me\nb = 2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
