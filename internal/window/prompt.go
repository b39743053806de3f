package window

// PromptIndex selects which of numPrompts sequential prompts applies to a
// window: the video is split into equal sections and the window follows its
// furthest frame, so a window straddling a section boundary uses the later
// prompt.
func PromptIndex(win []int, frames, numPrompts int) int {
	if numPrompts <= 1 {
		return 0
	}
	hi := win[0]
	for _, f := range win {
		if f > hi {
			hi = f
		}
	}
	section := float64(frames) / float64(numPrompts)
	idx := int(float64(hi) / section)
	if idx > numPrompts-1 {
		idx = numPrompts - 1
	}
	return idx
}
