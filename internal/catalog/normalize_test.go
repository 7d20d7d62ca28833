package catalog

import (
	"encoding/json"
	"testing"
)

func TestNormalizeGoogleBooks(t *testing.T) {
	raw := `{
		"totalItems": 2,
		"items": [
			{"volumeInfo": {
				"title": "Dune",
				"authors": ["Frank Herbert"],
				"publisher": "Chilton Books",
				"publishedDate": "1965-08-01",
				"pageCount": 412,
				"categories": ["Science Fiction"],
				"industryIdentifiers": [
					{"type": "ISBN_10", "identifier": "0441013597"},
					{"type": "ISBN_13", "identifier": "9780441013593"}
				],
				"imageLinks": {"thumbnail": "https://example.com/dune.jpg"}
			}},
			{"volumeInfo": {
				"title": "Dune",
				"authors": ["Frank Herbert"],
				"publisher": "Ace",
				"publishedDate": "1990",
				"industryIdentifiers": [{"type": "ISBN_13", "identifier": "9780000000002"}]
			}}
		]
	}`
	var v gbVolumes
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	meta := normalizeGoogleBooks(&v)
	if meta.Empty() {
		t.Fatal("expected non-empty metadata")
	}
	if meta.Work.Title != "Dune" || meta.Work.FirstPublished != 1965 {
		t.Fatalf("unexpected work: %+v", meta.Work)
	}
	if len(meta.Authors) != 1 || meta.Authors[0].Name != "Frank Herbert" {
		t.Fatalf("unexpected authors: %+v", meta.Authors)
	}
	if len(meta.Editions) != 2 {
		t.Fatalf("expected 2 editions, got %d", len(meta.Editions))
	}
	if meta.Editions[0].ISBN10 != "0441013597" || meta.Editions[0].ISBN13 != "9780441013593" {
		t.Fatalf("unexpected identifiers: %+v", meta.Editions[0])
	}
	if meta.Editions[0].CoverURL == "" {
		t.Fatal("expected cover url carried through")
	}
}

func TestNormalizeGoogleBooksEmpty(t *testing.T) {
	meta := normalizeGoogleBooks(&gbVolumes{})
	if !meta.Empty() {
		t.Fatalf("expected empty metadata, got %+v", meta)
	}
	if meta := normalizeGoogleBooks(nil); !meta.Empty() {
		t.Fatal("nil input should normalize to empty")
	}
}

func TestNormalizeOpenLibrary(t *testing.T) {
	raw := `{
		"numFound": 1,
		"docs": [{
			"title": "Nineteen Eighty-Four",
			"author_name": ["George Orwell"],
			"author_key": ["OL118077A"],
			"first_publish_year": 1949,
			"isbn": ["0451524934", "9780451524935"],
			"publisher": ["Secker & Warburg"],
			"number_of_pages_median": 328,
			"subject": ["Dystopia", "Totalitarianism"],
			"cover_i": 12345
		}]
	}`
	var s olSearch
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	meta := normalizeOpenLibrary(&s)
	if meta.Empty() {
		t.Fatal("expected non-empty metadata")
	}
	if meta.Work.Title != "Nineteen Eighty-Four" || meta.Work.FirstPublished != 1949 {
		t.Fatalf("unexpected work: %+v", meta.Work)
	}
	if len(meta.Authors) != 1 || meta.Authors[0].Key != "OL118077A" {
		t.Fatalf("unexpected authors: %+v", meta.Authors)
	}
	if len(meta.Editions) != 1 {
		t.Fatalf("expected 1 edition, got %d", len(meta.Editions))
	}
	ed := meta.Editions[0]
	if ed.ISBN10 != "0451524934" || ed.ISBN13 != "9780451524935" {
		t.Fatalf("unexpected identifiers: %+v", ed)
	}
	if ed.Publisher != "Secker & Warburg" || ed.PageCount != 328 {
		t.Fatalf("unexpected edition: %+v", ed)
	}
	if ed.CoverURL == "" {
		t.Fatal("expected cover url derived from cover_i")
	}
}

func TestNormalizeOpenLibraryEmpty(t *testing.T) {
	if meta := normalizeOpenLibrary(&olSearch{}); !meta.Empty() {
		t.Fatal("expected empty metadata")
	}
}

func TestYearOf(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"1965-08-01", 1965},
		{"1990", 1990},
		{"", 0},
		{"19", 0},
		{"abcd", 0},
	}
	for _, c := range cases {
		if got := yearOf(c.in); got != c.want {
			t.Fatalf("yearOf(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
