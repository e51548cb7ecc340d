package domain

import "fmt"

// BatchStats partitions one batch into the N, P, K and Uncertain/Error buckets.
type BatchStats struct {
	Total            int `json:"total"`
	N                int `json:"N"`
	P                int `json:"P"`
	K                int `json:"K"`
	UncertainOrError int `json:"uncertain_or_error"`
}

// Aggregate recomputes statistics for a whole batch. Rows carrying a service
// error fall into the catch-all bucket even when their label looks valid.
func Aggregate(results []GatedResult) BatchStats {
	var stats BatchStats
	for _, r := range results {
		stats.Total++
		if r.Err() != nil {
			stats.UncertainOrError++
			continue
		}
		switch r.LabelName {
		case LabelNitrogen:
			stats.N++
		case LabelPhosphorus:
			stats.P++
		case LabelPotassium:
			stats.K++
		default:
			stats.UncertainOrError++
		}
	}
	return stats
}

func (s BatchStats) Successful() int {
	return s.N + s.P + s.K
}

// Summary is the notification shown once a batch completes.
func (s BatchStats) Summary() string {
	msg := fmt.Sprintf("Processed %d/%d images successfully!", s.Successful(), s.Total)
	if s.UncertainOrError > 0 {
		msg += fmt.Sprintf(" %d uncertain.", s.UncertainOrError)
	}
	return msg
}

// DistributionSlice is one pie segment of the batch chart.
type DistributionSlice struct {
	Key        string  `json:"key"`
	Name       string  `json:"name"`
	Count      int     `json:"count"`
	Proportion float64 `json:"proportion"`
}

const DistributionKeyUncertainOrError = "uncertain_or_error"

// Distribution always returns the four buckets in a fixed order. An empty
// batch yields zero proportions.
func (s BatchStats) Distribution() []DistributionSlice {
	slices := []DistributionSlice{
		{Key: LabelNitrogen, Name: LabelDisplayName(LabelNitrogen), Count: s.N},
		{Key: LabelPhosphorus, Name: LabelDisplayName(LabelPhosphorus), Count: s.P},
		{Key: LabelPotassium, Name: LabelDisplayName(LabelPotassium), Count: s.K},
		{Key: DistributionKeyUncertainOrError, Name: "Uncertain/Error", Count: s.UncertainOrError},
	}
	if s.Total == 0 {
		return slices
	}
	for i := range slices {
		slices[i].Proportion = float64(slices[i].Count) / float64(s.Total)
	}
	return slices
}

// LabelDisplayName maps a nutrient code to the label shown to users.
func LabelDisplayName(labelName string) string {
	switch labelName {
	case LabelNitrogen:
		return "Nitrogen (N)"
	case LabelPhosphorus:
		return "Phosphorus (P)"
	case LabelPotassium:
		return "Potassium (K)"
	default:
		return labelName
	}
}
