package calc

import (
	"sort"

	"prayerd/internal/model"
)

// methodParams describes one calculation convention.
type methodParams struct {
	FajrAngle float64
	IshaAngle float64
	// IshaInterval, when > 0, places isha a fixed number of minutes after
	// maghrib instead of using IshaAngle.
	IshaInterval int
	// Adjust holds per-event minute offsets in model.AllEvents order.
	Adjust [6]int
}

var methods = map[model.Method]methodParams{
	model.MethodMuslimWorldLeague: {FajrAngle: 18, IshaAngle: 17, Adjust: [6]int{0, 0, 1, 0, 0, 0}},
	model.MethodEgyptian:          {FajrAngle: 19.5, IshaAngle: 17.5, Adjust: [6]int{0, 0, 1, 0, 0, 0}},
	model.MethodKarachi:           {FajrAngle: 18, IshaAngle: 18, Adjust: [6]int{0, 0, 1, 0, 0, 0}},
	model.MethodUmmAlQura:         {FajrAngle: 18.5, IshaInterval: 90},
	model.MethodDubai:             {FajrAngle: 18.2, IshaAngle: 18.2, Adjust: [6]int{0, -3, 3, 3, 3, 0}},
	model.MethodMoonsightingCommittee: {
		FajrAngle: 18, IshaAngle: 18, Adjust: [6]int{0, 0, 5, 0, 3, 0},
	},
	model.MethodNorthAmerica: {FajrAngle: 15, IshaAngle: 15, Adjust: [6]int{0, 0, 1, 0, 0, 0}},
	model.MethodKuwait:       {FajrAngle: 18, IshaAngle: 17.5},
	model.MethodQatar:        {FajrAngle: 18, IshaInterval: 90},
	model.MethodSingapore:    {FajrAngle: 20, IshaAngle: 18, Adjust: [6]int{0, 0, 1, 0, 0, 0}},
	model.MethodTehran:       {FajrAngle: 17.7, IshaAngle: 14},
	model.MethodTurkey:       {FajrAngle: 18, IshaAngle: 17, Adjust: [6]int{0, -7, 5, 4, 7, 0}},
}

// KnownMethod reports whether m has calculation parameters.
func KnownMethod(m model.Method) bool {
	_, ok := methods[m]
	return ok
}

// Methods returns the supported method identifiers, sorted.
func Methods() []model.Method {
	out := make([]model.Method, 0, len(methods))
	for m := range methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
