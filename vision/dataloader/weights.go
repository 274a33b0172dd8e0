package dataloader

// ClassWeights balances the loss contribution of both classes. Each class
// gets total/(2*count); an empty class gets 1.0 and an empty dataset gets
// 1.0 for both.
func ClassWeights(neg, pos int) map[int]float64 {
	total := neg + pos
	if total == 0 {
		return map[int]float64{0: 1.0, 1: 1.0}
	}
	weight := func(count int) float64 {
		if count == 0 {
			return 1.0
		}
		return float64(total) / (2 * float64(count))
	}
	return map[int]float64{0: weight(neg), 1: weight(pos)}
}
