package query

import "strconv"

// Args renders s as equivalent luma command-line flags, in a stable order.
func (s Spec) Args() []string {
	var out []string
	str := func(flag, v string) {
		if v != "" {
			out = append(out, flag, v)
		}
	}
	num := func(flag string, v *int) {
		if v != nil {
			out = append(out, flag, strconv.Itoa(*v))
		}
	}
	flt := func(flag string, v *float64) {
		if v != nil {
			out = append(out, flag, fmtFloat(*v))
		}
	}

	str("--range", s.Range)
	str("--from-date", s.FromDate)
	str("--to-date", s.ToDate)
	num("--days", s.Days)
	num("--min-guest", s.MinGuest)
	num("--max-guest", s.MaxGuest)
	num("--min-time", s.MinTime)
	num("--max-time", s.MaxTime)
	str("--day", s.Day)
	str("--exclude", s.Exclude)
	str("--search", s.Search)
	str("--regex", s.Regex)
	str("--glob", s.Glob)
	str("--sort", s.Sort)
	str("--location-type", s.LocationType)
	str("--city", s.City)
	str("--region", s.Region)
	str("--country", s.Country)
	flt("--lat", s.SearchLat)
	flt("--lon", s.SearchLon)
	flt("--radius", s.SearchRadiusMiles)
	num("--top", s.Limit)
	if s.IncludeSeen {
		out = append(out, "--all")
	}
	return out
}
