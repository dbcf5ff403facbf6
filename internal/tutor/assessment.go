package tutor

// PhonemeAssessment is a phoneme-level score.
type PhonemeAssessment struct {
	Phoneme       string  `json:"phoneme"`
	AccuracyScore float64 `json:"accuracyScore"`
}

// WordAssessment is a word-level score.
type WordAssessment struct {
	Word          string              `json:"word"`
	AccuracyScore float64             `json:"accuracyScore"`
	ErrorType     string              `json:"errorType,omitempty"`
	Phonemes      []PhonemeAssessment `json:"phonemes,omitempty"`
}

// PronunciationAssessment is the scored result of one recorded utterance.
// Scores are on a 0-100 scale.
type PronunciationAssessment struct {
	TurnID             string           `json:"turnId,omitempty"`
	Language           string           `json:"language"`
	RecognizedText     string           `json:"recognizedText"`
	ReferenceText      string           `json:"referenceText,omitempty"`
	AccuracyScore      float64          `json:"accuracyScore"`
	FluencyScore       float64          `json:"fluencyScore"`
	CompletenessScore  float64          `json:"completenessScore"`
	ProsodyScore       float64          `json:"prosodyScore"`
	PronunciationScore float64          `json:"pronunciationScore"`
	Words              []WordAssessment `json:"words,omitempty"`
}

// Clone returns a deep copy of a.
func (a PronunciationAssessment) Clone() PronunciationAssessment {
	c := a
	if a.Words != nil {
		c.Words = make([]WordAssessment, len(a.Words))
		for i, w := range a.Words {
			c.Words[i] = w
			if w.Phonemes != nil {
				c.Words[i].Phonemes = append([]PhonemeAssessment(nil), w.Phonemes...)
			}
		}
	}
	return c
}
