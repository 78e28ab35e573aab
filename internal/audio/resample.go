package audio

// Resample converts samples to targetRate by nearest-neighbour selection:
// output i takes input floor(i*native/target), and the output holds
// floor(len*target/native) samples. No anti-aliasing filter is applied.
// Input already at targetRate is returned unchanged.
func Resample(in Samples, targetRate int) Samples {
	if in.Rate == targetRate || in.Rate <= 0 || targetRate <= 0 {
		return in
	}

	native := int64(in.Rate)
	target := int64(targetRate)
	n := int64(len(in.Data)) * target / native

	out := make([]float32, n)
	for i := int64(0); i < n; i++ {
		out[i] = in.Data[i*native/target]
	}
	return Samples{Rate: targetRate, Data: out}
}
