package notes

import "strings"

// Matches reports whether the note contains query, case-insensitively, in its title,
// raw serialized content or any tag. An empty query matches every note.
func Matches(note Note, query string) bool {
	needle := strings.ToLower(query)
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(note.Title), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(note.Content), needle) {
		return true
	}
	for _, tag := range note.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// Search filters out archived notes and keeps the ones matching query.
func Search(candidates []Note, query string) []Note {
	results := make([]Note, 0, len(candidates))
	for _, note := range candidates {
		if note.IsArchived {
			continue
		}
		if Matches(note, query) {
			results = append(results, note)
		}
	}
	return results
}
