package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"luma/internal/query"
)

const usage = `Usage:
  luma [query flags] [--discard|--all|--reset] [--json]
  luma "<free text>" [query flags] [--json]
  luma refresh [--retries N] [--days N] [--json]
  luma chat
  luma sc [name] [extra flags]
  luma serve [--listen addr]

Global flags:
  --config PATH      config file (default ~/.luma/config.yaml)
  --cache-dir DIR    cache directory override
  --debug            verbose logging
  --json             machine-readable output

Query flags:
  --range today|tomorrow|week|weekday|weekend[+N]
  --from-date YYYYMMDD  --to-date YYYYMMDD  --days N
  --min-guest N  --max-guest N  --min-time H  --max-time H
  --day mon,tue,...  --exclude mon,tue,...
  --search TEXT | --regex RE | --glob PATTERN
  --city NAME  --region NAME  --country NAME  --location-type online|offline
  --lat LAT --lon LON [--radius MILES]
  --sort date|guest  --top N
  --discard   mark the listed events as seen
  --all       include events already marked seen
  --reset     clear all seen events
`

// options collects every flag of one invocation.
type options struct {
	configPath string
	cacheDir   string
	debug      bool
	json       bool

	discard bool
	all     bool
	reset   bool

	retries *int
	listen  string

	spec query.Spec
	// specSet records whether any query flag was given.
	specSet bool
}

// optInt is a flag.Value that leaves its target nil until set.
type optInt struct{ p **int }

func (v optInt) String() string {
	if v.p == nil || *v.p == nil {
		return ""
	}
	return strconv.Itoa(**v.p)
}

func (v optInt) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.New("must be an integer")
	}
	*v.p = &n
	return nil
}

type optFloat struct{ p **float64 }

func (v optFloat) String() string {
	if v.p == nil || *v.p == nil {
		return ""
	}
	return strconv.FormatFloat(**v.p, 'g', -1, 64)
}

func (v optFloat) Set(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.New("must be a number")
	}
	*v.p = &f
	return nil
}

// queryFlags names the flags that feed query.Spec.
var queryFlags = map[string]bool{
	"days": true, "from-date": true, "to-date": true, "range": true, "top": true, "sort": true,
	"min-guest": true, "max-guest": true, "min-time": true, "max-time": true, "day": true,
	"exclude": true, "search": true, "regex": true, "glob": true, "city": true, "region": true,
	"country": true, "location-type": true, "lat": true, "lon": true, "radius": true,
}

func newFlagSet(o *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("luma", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }

	fs.StringVar(&o.configPath, "config", "", "config file")
	fs.StringVar(&o.cacheDir, "cache-dir", "", "cache directory")
	fs.BoolVar(&o.debug, "debug", false, "verbose logging")
	fs.BoolVar(&o.json, "json", false, "JSON output")

	fs.BoolVar(&o.discard, "discard", false, "mark listed events as seen")
	fs.BoolVar(&o.all, "all", false, "include seen events")
	fs.BoolVar(&o.reset, "reset", false, "clear seen events")
	fs.Var(optInt{&o.retries}, "retries", "extra attempts per source")
	fs.StringVar(&o.listen, "listen", "", "HTTP listen address")

	s := &o.spec
	fs.StringVar(&s.Range, "range", "", "named date range")
	fs.StringVar(&s.FromDate, "from-date", "", "window start YYYYMMDD")
	fs.StringVar(&s.ToDate, "to-date", "", "window end YYYYMMDD")
	fs.Var(optInt{&s.Days}, "days", "window length in days")
	fs.Var(optInt{&s.Limit}, "top", "maximum events")
	fs.StringVar(&s.Sort, "sort", "", "date or guest")
	fs.Var(optInt{&s.MinGuest}, "min-guest", "minimum guest count")
	fs.Var(optInt{&s.MaxGuest}, "max-guest", "maximum guest count")
	fs.Var(optInt{&s.MinTime}, "min-time", "earliest start hour")
	fs.Var(optInt{&s.MaxTime}, "max-time", "latest start hour")
	fs.StringVar(&s.Day, "day", "", "weekdays to include")
	fs.StringVar(&s.Exclude, "exclude", "", "weekdays to exclude")
	fs.StringVar(&s.Search, "search", "", "substring search")
	fs.StringVar(&s.Regex, "regex", "", "regular expression search")
	fs.StringVar(&s.Glob, "glob", "", "glob search")
	fs.StringVar(&s.City, "city", "", "city")
	fs.StringVar(&s.Region, "region", "", "region")
	fs.StringVar(&s.Country, "country", "", "country")
	fs.StringVar(&s.LocationType, "location-type", "", "online or offline")
	fs.Var(optFloat{&s.SearchLat}, "lat", "search latitude")
	fs.Var(optFloat{&s.SearchLon}, "lon", "search longitude")
	fs.Var(optFloat{&s.SearchRadiusMiles}, "radius", "search radius in miles")
	return fs
}

// parseArgs parses flags anywhere on the command line and returns the
// positional arguments in order. Everything after "--" is positional.
func parseArgs(fs *flag.FlagSet, o *options, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			break
		}
		if consumed := len(args) - len(rest); consumed > 0 && args[consumed-1] == "--" {
			pos = append(pos, rest...)
			break
		}
		pos = append(pos, rest[0])
		args = rest[1:]
	}
	fs.Visit(func(f *flag.Flag) {
		if queryFlags[f.Name] {
			o.specSet = true
		}
	})
	return pos, nil
}

// withoutShortcut drops the "sc" token and the shortcut name that follows
// it, leaving the extra flags given on the command line.
func withoutShortcut(args []string, name string) []string {
	out := make([]string, 0, len(args))
	state := 0
	for _, a := range args {
		switch {
		case state == 0 && a == "sc":
			state = 1
			continue
		case state == 1 && a == name:
			state = 2
			continue
		}
		out = append(out, a)
	}
	return out
}

func quoteArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'*?$") {
			a = strconv.Quote(a)
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
