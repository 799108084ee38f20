package models

// Recipient is the common view over address rows, frontend users,
// model rows and csv or plain list entries.
type Recipient struct {
	Source      string            `json:"source"`
	UID         string            `json:"uid"` // row uid for tables, email for csv and plain lists
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	Active      bool              `json:"active"`
	AcceptsHTML bool              `json:"accepts_html"`
	Categories  []int64           `json:"categories,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// InCategories reports whether the recipient subscribed to any of cats.
// An empty filter matches everyone.
func (r *Recipient) InCategories(cats []int64) bool {
	if len(cats) == 0 {
		return true
	}
	for _, c := range cats {
		for _, rc := range r.Categories {
			if c == rc {
				return true
			}
		}
	}
	return false
}
