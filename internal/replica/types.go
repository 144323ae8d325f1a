package replica

// Paper is one bibliographic record. Nullable columns are pointers so a
// missing value round-trips as NULL instead of an empty string.
type Paper struct {
	ID           int64   `db:"id"`
	Title        string  `db:"title"`
	Abstract     *string `db:"abstract"`
	VenueFull    *string `db:"venue_full"`
	VenueAcronym *string `db:"venue_acronym"`
	Year         *int64  `db:"year"`
	Volume       *string `db:"volume"`
	Issue        *string `db:"issue"`
	Pages        *string `db:"pages"`
	PaperType    *string `db:"paper_type"`
	DOI          *string `db:"doi"`
	PreprintID   *string `db:"preprint_id"`
	Category     *string `db:"category"`
	URL          *string `db:"url"`
	Notes        *string `db:"notes"`
	PDFPath      *string `db:"pdf_path"`
	AddedDate    *string `db:"added_date"`
	ModifiedDate *string `db:"modified_date"`
}

// Clone returns a deep copy of the paper.
func (p *Paper) Clone() *Paper {
	c := *p
	c.Abstract = cloneStr(p.Abstract)
	c.VenueFull = cloneStr(p.VenueFull)
	c.VenueAcronym = cloneStr(p.VenueAcronym)
	c.Year = cloneInt(p.Year)
	c.Volume = cloneStr(p.Volume)
	c.Issue = cloneStr(p.Issue)
	c.Pages = cloneStr(p.Pages)
	c.PaperType = cloneStr(p.PaperType)
	c.DOI = cloneStr(p.DOI)
	c.PreprintID = cloneStr(p.PreprintID)
	c.Category = cloneStr(p.Category)
	c.URL = cloneStr(p.URL)
	c.Notes = cloneStr(p.Notes)
	c.PDFPath = cloneStr(p.PDFPath)
	c.AddedDate = cloneStr(p.AddedDate)
	c.ModifiedDate = cloneStr(p.ModifiedDate)
	return &c
}

type Collection struct {
	ID          int64   `db:"id"`
	Name        string  `db:"name"`
	Description *string `db:"description"`
	ParentID    *int64  `db:"parent_id"`
	CreatedDate *string `db:"created_date"`
}

type Author struct {
	ID       int64  `db:"id"`
	FullName string `db:"full_name"`
}

// StrVal dereferences a nullable string column, mapping NULL to "".
func StrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StrPtr maps "" to NULL for nullable string columns.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
