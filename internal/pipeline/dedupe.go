package pipeline

// ScannedBook is one book recognized on a shelf photo.
type ScannedBook struct {
	Title      string  `json:"title"`
	Author     string  `json:"author,omitempty"`
	ISBN       string  `json:"isbn,omitempty"`
	Confidence float64 `json:"confidence"`
}

func (b ScannedBook) dedupeKey() string {
	if b.ISBN != "" {
		return b.ISBN
	}
	return b.Title + "::" + b.Author
}

// Dedupe collapses books recognized on multiple photos. The primary key is
// the ISBN, falling back to title::author; on collision the record with the
// higher confidence wins. First-seen order is preserved.
func Dedupe(books []ScannedBook) []ScannedBook {
	seen := make(map[string]int, len(books))
	out := make([]ScannedBook, 0, len(books))
	for _, b := range books {
		key := b.dedupeKey()
		if i, ok := seen[key]; ok {
			if b.Confidence > out[i].Confidence {
				out[i] = b
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, b)
	}
	return out
}
