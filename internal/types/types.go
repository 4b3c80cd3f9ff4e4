package types

import "time"

// DescriptorDim is the length of the face descriptor produced by the engine.
const DescriptorDim = 128

// Emotion is one of the seven canonical expression labels.
type Emotion string

const (
	Neutral   Emotion = "neutral"
	Happy     Emotion = "happy"
	Sad       Emotion = "sad"
	Angry     Emotion = "angry"
	Fearful   Emotion = "fearful"
	Disgusted Emotion = "disgusted"
	Surprised Emotion = "surprised"
)

// CanonicalEmotions is the fixed label order used for stable tie-breaking.
var CanonicalEmotions = []Emotion{Neutral, Happy, Sad, Angry, Fearful, Disgusted, Surprised}

// AlertableEmotions are the only labels a threshold can be configured for.
var AlertableEmotions = []Emotion{Happy, Sad, Angry, Surprised}

// IsAlertable reports whether thresholds may be set for e.
func (e Emotion) IsAlertable() bool {
	for _, a := range AlertableEmotions {
		if a == e {
			return true
		}
	}
	return false
}

// IsCanonical reports whether e belongs to the closed label set.
func (e Emotion) IsCanonical() bool {
	for _, c := range CanonicalEmotions {
		if c == e {
			return true
		}
	}
	return false
}

// Expressions maps each label to an independent score in [0,1].
type Expressions map[Emotion]float64

// Clone returns a copy so callers can keep it past the tick.
func (e Expressions) Clone() Expressions {
	if e == nil {
		return nil
	}
	out := make(Expressions, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Box is an axis-aligned rectangle (top-left corner plus extent).
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns Width*Height.
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// Size is a pixel resolution.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Point is a single facial landmark.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is one face found by the engine in one frame. Optional fields are
// nil/empty when the engine did not compute them.
type Detection struct {
	Box         Box         `json:"box"`
	Score       float64     `json:"score"`
	Landmarks   []Point     `json:"landmarks,omitempty"`
	Descriptor  []float64   `json:"descriptor,omitempty"`
	Expressions Expressions `json:"expressions,omitempty"`
	Age         *float64    `json:"age,omitempty"`
	Gender      string      `json:"gender,omitempty"`
}

// HasDescriptor reports whether the engine produced an embedding.
func (d Detection) HasDescriptor() bool {
	return len(d.Descriptor) > 0
}

// HasExpressions reports whether the engine produced an expression distribution.
func (d Detection) HasExpressions() bool {
	return len(d.Expressions) > 0
}

// Identity is a known person held in the registry.
type Identity struct {
	Name                string      `json:"name"`
	Embedding           []float64   `json:"-"`
	RegisteredAt        time.Time   `json:"registered_at"`
	LastSeenExpressions Expressions `json:"last_seen_expressions,omitempty"`
	LastSeenAt          *time.Time  `json:"last_seen_at,omitempty"`
}

// AlertEvent is emitted when a recognised face crosses an emotion threshold.
type AlertEvent struct {
	ID           string    `json:"id"`
	IdentityName string    `json:"name"`
	Emotion      Emotion   `json:"emotion"`
	Score        float64   `json:"value"`
	ObservedAt   time.Time `json:"timestamp"`
}

// Frame is a single JPEG image pulled from the capture source.
type Frame struct {
	Index      int
	Data       []byte
	Size       Size
	CapturedAt time.Time
}

// EngineRequest is the header sent to the inference worker ahead of each image.
type EngineRequest struct {
	MinConfidence float64 `json:"min_confidence"`
	WithIdentity  bool    `json:"with_identity"`
}

// ErrorResult captures the error object returned by the worker on failure
type ErrorResult struct {
	Error string `json:"error"`
}

// ReadyResult is the handshake the worker sends once its models are loaded.
type ReadyResult struct {
	Ready bool   `json:"ready"`
	Model string `json:"model,omitempty"`
	Error string `json:"error,omitempty"`
}
