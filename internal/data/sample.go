package data

// Split selects the train or the test partition of a dataset.
type Split string

const (
	SplitTrain Split = "train"
	SplitTest  Split = "test"
)

// Mode - how samples are presented to a network
type Mode string

const (
	ModeTrain Mode = "train"
	ModeTest  Mode = "test"
	// ModeFlip reverses the feature order, the flattened analogue of a horizontal flip.
	ModeFlip Mode = "flip"
)

// Sample is one labelled input. Label is the position of the class in the class order.
// Flipped marks inputs presented under ModeFlip, so feature caches keep them apart.
type Sample struct {
	Index   int
	Input   []float64
	Label   int
	Flipped bool
}

// RawSample - a sample as delivered by a provider, before class-order remapping
type RawSample struct {
	Input []float64
	Label int
}

// Apply presents s under mode m. Only ModeFlip changes the input.
func (m Mode) Apply(s Sample) Sample {
	if m != ModeFlip || s.Flipped {
		return s
	}
	flipped := make([]float64, len(s.Input))
	for i, v := range s.Input {
		flipped[len(s.Input)-1-i] = v
	}
	s.Input = flipped
	s.Flipped = true
	return s
}
