package message

// Admit keeps creates and updates and projects their after-image onto the
// event schema. Deletes, snapshot reads and unknown operations are dropped.
func Admit(event *ChangeEvent) (*Record, bool) {
	if event.Op != OpCreate && event.Op != OpUpdate {
		return nil, false
	}

	values := make([]any, event.Schema.Len())
	for i := range values {
		values[i] = event.After[event.Schema.Column(i).Name]
	}

	return &Record{Schema: event.Schema, Values: values}, true
}
