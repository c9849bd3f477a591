package identity

// Ratcliff/Obershelp string similarity: find the longest common
// substring, then recurse on the pieces to its left and right. The ratio
// is 2·M / (len(a)+len(b)) where M is the total number of matched
// characters. Operates on runes so non-ASCII names score correctly.

// Ratio returns the Ratcliff/Obershelp similarity of a and b in [0, 1].
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	matched := matchedRunes(ra, rb, 0, len(ra), 0, len(rb))
	return 2.0 * float64(matched) / float64(total)
}

// matchedRunes sums matched characters over a[alo:ahi] vs b[blo:bhi].
func matchedRunes(a, b []rune, alo, ahi, blo, bhi int) int {
	besti, bestj, size := longestMatch(a, b, alo, ahi, blo, bhi)
	if size == 0 {
		return 0
	}
	return size +
		matchedRunes(a, b, alo, besti, blo, bestj) +
		matchedRunes(a, b, besti+size, ahi, bestj+size, bhi)
}

// longestMatch finds the longest matching block in a[alo:ahi] and
// b[blo:bhi], preferring the earliest occurrence on ties.
func longestMatch(a, b []rune, alo, ahi, blo, bhi int) (besti, bestj, bestsize int) {
	besti, bestj = alo, blo

	// j2len[j] = length of the match ending at a[i-1], b[j-1].
	j2len := make(map[int]int)
	for i := alo; i < ahi; i++ {
		newJ2len := make(map[int]int)
		for j := blo; j < bhi; j++ {
			if a[i] != b[j] {
				continue
			}
			k := j2len[j-1] + 1
			newJ2len[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = newJ2len
	}
	return besti, bestj, bestsize
}
