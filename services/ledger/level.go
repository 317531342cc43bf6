package ledger

// LevelFor converts a lifetime points total into a level. The curve widens
// as users climb: reaching level n+1 from level n costs (n+1)*100 points,
// so the cumulative thresholds run 0, 200, 500, 900, 1400, ...
func LevelFor(totalPoints int64) int {
	level := 1
	threshold := int64(0)
	for threshold <= totalPoints {
		level++
		threshold += int64(level) * 100
	}
	return level - 1
}

// NextLevelAt returns the lifetime points total required to leave the given
// level.
func NextLevelAt(level int) int64 {
	if level < 1 {
		level = 1
	}
	threshold := int64(0)
	for l := 1; l <= level; l++ {
		threshold += int64(l+1) * 100
	}
	return threshold
}
