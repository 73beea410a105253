package vm

// StringTable interns text literals. Indices are handed out in order of
// first registration and never change.
type StringTable struct {
	strings []string
	index   map[string]int
}

// NewStringTable creates a table pre-populated with the program's strings.
func NewStringTable(initial []string) *StringTable {
	t := &StringTable{
		strings: make([]string, 0, len(initial)),
		index:   make(map[string]int, len(initial)),
	}
	for _, s := range initial {
		t.Intern(s)
	}
	return t
}

// Intern returns the index of s, registering it on first sight.
func (t *StringTable) Intern(s string) int {
	if id, ok := t.index[s]; ok {
		return id
	}
	id := len(t.strings)
	t.strings = append(t.strings, s)
	t.index[s] = id
	return id
}

// Get returns the string at id.
func (t *StringTable) Get(id int) (string, bool) {
	if id < 0 || id >= len(t.strings) {
		return "", false
	}
	return t.strings[id], true
}

// Len returns the number of interned strings.
func (t *StringTable) Len() int { return len(t.strings) }
