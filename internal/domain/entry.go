package domain

// JSON keys of classification records on disk.
const (
	KeyCondition = "C"
	KeyText      = "X"
	KeyLabel     = "Y"
)

// Entry is one generated classification record.
// Stage-one runs fill C with the generated text so the file can feed a
// stage-two run; stage-two runs fill X and keep the condition in C.
type Entry struct {
	C string `json:"C,omitempty"`
	X string `json:"X,omitempty"`
	Y string `json:"Y"`
}

// Generated returns the text the model produced for this entry.
func (e Entry) Generated() string {
	if e.X != "" {
		return e.X
	}
	return e.C
}

// Example is a labeled record from an existing dataset split, used for
// small-model evaluation and zero-shot inference.
type Example struct {
	TextA string
	TextB string
	Label string
}

// QAEntry is one question answering record.
type QAEntry struct {
	ID       string `json:"id"`
	Context  string `json:"context"`
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer"`
	// AnswerStart is the byte offset of Answer in Context, or -1 when unknown.
	AnswerStart int `json:"answer_start"`
}
