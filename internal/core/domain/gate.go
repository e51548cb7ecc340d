package domain

// Gate forces a prediction to the Uncertain sentinel when its confidence is
// strictly below threshold. A confidence equal to the threshold passes.
func Gate(raw RawPrediction, threshold Threshold) GatedResult {
	out := GatedResult{
		FileName:   raw.FileName,
		Label:      raw.Label,
		LabelName:  raw.LabelName,
		Confidence: raw.Confidence,
		Probs:      append([]float64(nil), raw.Probs...),
		Advice:     raw.Advice,
		Error:      raw.Error,
		Threshold:  threshold,
	}

	// A -1 index from the service is the sentinel whatever its name says.
	if raw.Confidence < threshold.Float() || raw.Label == UncertainLabelIndex {
		out.Label = UncertainLabelIndex
		out.LabelName = LabelUncertain
		out.Advice = ""
		return out
	}

	// "Uncertain" is reserved for the -1 sentinel.
	if out.LabelName == "" || out.LabelName == LabelUncertain {
		out.LabelName = LabelUnknown
	}
	return out
}

func GateAll(raws []RawPrediction, threshold Threshold) []GatedResult {
	out := make([]GatedResult, 0, len(raws))
	for _, raw := range raws {
		out = append(out, Gate(raw, threshold))
	}
	return out
}
