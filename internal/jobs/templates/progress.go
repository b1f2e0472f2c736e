package templates

// StepProgress maps the progress of one step, in [0,100], onto the overall progress of a job with
// stepsCount equally sized steps. Step stepIndex covers [start, end] of the overall range.
func StepProgress(stepIndex int, stepsCount int, stepProgress float64) float64 {
	if stepsCount <= 0 {
		return Progress(stepProgress, 0, 100)
	}
	start := float64(stepIndex) * 100 / float64(stepsCount)
	end := float64(stepIndex+1) * 100 / float64(stepsCount)
	return Progress(stepProgress, start, end)
}

// Progress interpolates progress into [start, end]. Both bounds are clamped to [0,100] and end
// is raised to start if it is lower.
func Progress(progress float64, start float64, end float64) float64 {
	start = clamp(start)
	end = clamp(end)
	if end < start {
		end = start
	}
	return start + progress*(end-start)/100
}

func clamp(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
