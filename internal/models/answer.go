package models

type SubAnswer struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	ChunkIDs []string `json:"chunk_ids,omitempty"`
	Failed   bool     `json:"failed,omitempty"`
	Empty    bool     `json:"empty,omitempty"`
}

// Answer is the result of one query. ImageRefs lists image chunk ids in
// first-seen order; Degraded explains any parts answered from a fallback.
type Answer struct {
	Question   string      `json:"question"`
	Text       string      `json:"text"`
	ImageRefs  []string    `json:"image_refs"`
	SubAnswers []SubAnswer `json:"sub_answers"`
	Degraded   []string    `json:"degraded,omitempty"`
}

// IngestReport summarises the ingestion of one document.
type IngestReport struct {
	DocumentID        string              `json:"document_id"`
	SourceFilename    string              `json:"source_filename"`
	Pages             int                 `json:"pages"`
	Counts            map[ContentType]int `json:"counts"`
	Indexed           int                 `json:"indexed"`
	EmbeddingFailures int                 `json:"embedding_failures"`
	PartialFailures   []PartialFailure    `json:"-"`
	Err               error               `json:"-"`
}

func (r IngestReport) Total() int {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total
}
