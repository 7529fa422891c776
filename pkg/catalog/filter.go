package catalog

import (
	"path"
)

// DataFilter decides whether row data (tables) or the current value
// (sequences) of an object is included in a dump
type DataFilter func(schema, object string) bool

// AllData includes data for every object
func AllData(string, string) bool { return true }

// NoData dumps structure only
func NoData(string, string) bool { return false }

// ExcludeData returns a filter that drops data for objects whose
// "schema.object" name matches any of the glob patterns
func ExcludeData(patterns []string) DataFilter {
	if len(patterns) == 0 {
		return AllData
	}
	return func(schema, object string) bool {
		name := schema + "." + object
		for _, p := range patterns {
			if ok, _ := path.Match(p, name); ok {
				return false
			}
		}
		return true
	}
}
