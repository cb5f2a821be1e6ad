package mes

import (
	"sort"
	"strings"
)

// Stream identifies which telemetry series a record belongs to.
type Stream int

const (
	StreamNone Stream = iota
	StreamProduction
	StreamTemperature
	StreamPower
)

// Name substring heuristics, matched case-insensitively. The MES labels
// parameters inconsistently across machine vendors, and the power meters on
// the older presses report localized Chinese names.
var (
	productionNames  = []string{"production", "output", "capacity"}
	temperatureNames = []string{"temperature", "temp", "oil"}
	powerNames       = []string{"energy", "power", "kwh", "电能", "电量"}
)

// Classifier assigns raw records to streams. Rules are ordered: exact
// paramId match, exact paramCode match (power only), then name substrings.
// This is the only place localized parameter strings appear.
type Classifier struct {
	ProdParamID    string
	TempParamID    string
	PowerParamID   string
	PowerParamCode string
}

// Classify returns the stream for one record, or StreamNone.
func (c *Classifier) Classify(r RawRecord) Stream {
	if c.ProdParamID != "" && r.ParamID == c.ProdParamID {
		return StreamProduction
	}
	if c.TempParamID != "" && r.ParamID == c.TempParamID {
		return StreamTemperature
	}
	if c.PowerParamID != "" && r.ParamID == c.PowerParamID {
		return StreamPower
	}
	if c.PowerParamID == "" && c.PowerParamCode != "" && r.ParamCode == c.PowerParamCode {
		return StreamPower
	}

	name := strings.ToLower(r.ParamName)
	if containsAny(name, productionNames) {
		return StreamProduction
	}
	if containsAny(name, temperatureNames) {
		return StreamTemperature
	}
	if containsAny(name, powerNames) {
		return StreamPower
	}
	return StreamNone
}

// Streams holds the three classified sample series, each ordered by
// timestamp ascending.
type Streams struct {
	Production  []Sample
	Temperature []Sample
	Power       []Sample
}

// Split classifies a batch of raw records into the three streams. Records
// with a missing timestamp or unparsable value are dropped without comment,
// as are records matching no stream.
func (c *Classifier) Split(records []RawRecord) Streams {
	var out Streams
	for _, r := range records {
		if r.RecordTime == nil {
			continue
		}
		value, ok := r.Value()
		if !ok {
			continue
		}
		sample := Sample{TS: *r.RecordTime, Value: value}

		switch c.Classify(r) {
		case StreamProduction:
			out.Production = append(out.Production, sample)
		case StreamTemperature:
			out.Temperature = append(out.Temperature, sample)
		case StreamPower:
			out.Power = append(out.Power, sample)
		}
	}

	sortSamples(out.Production)
	sortSamples(out.Temperature)
	sortSamples(out.Power)
	return out
}

func sortSamples(samples []Sample) {
	sort.Slice(samples, func(i, j int) bool { return samples[i].TS < samples[j].TS })
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
