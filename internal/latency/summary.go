package latency

// Summary is the reduction of a sequence of sealed records.
type Summary struct {
	Count int `json:"count"`
	// Mean holds the per-stage arithmetic mean. Its Sequence is zero.
	Mean      Record  `json:"mean"`
	MeanTotal float64 `json:"meanTotal"`
}

// Summarize computes the per-stage mean and the mean of per-record totals.
// It does not modify its input.
func Summarize(records []Record) Summary {
	s := Summary{Count: len(records)}
	if len(records) == 0 {
		return s
	}
	var total float64
	for _, r := range records {
		for _, stage := range Stages {
			*s.Mean.slot(stage) += r.Get(stage)
		}
		total += r.Total()
	}
	n := float64(len(records))
	for _, stage := range Stages {
		*s.Mean.slot(stage) /= n
	}
	s.MeanTotal = total / n
	return s
}
