package tasks

// Filter is one node of the store's query predicate tree.
type Filter map[string]any

func And(fs ...Filter) Filter { return Filter{"and": fs} }

func Or(fs ...Filter) Filter { return Filter{"or": fs} }

func Checkbox(prop string, v bool) Filter {
	return Filter{"property": prop, "checkbox": map[string]any{"equals": v}}
}

func SelectEquals(prop, v string) Filter {
	return Filter{"property": prop, "select": map[string]any{"equals": v}}
}

func SelectIsEmpty(prop string) Filter {
	return Filter{"property": prop, "select": map[string]any{"is_empty": true}}
}

func MultiSelectContains(prop, v string) Filter {
	return Filter{"property": prop, "multi_select": map[string]any{"contains": v}}
}

// DateEquals matches a date property on the calendar day given as YYYY-MM-DD.
func DateEquals(prop, day string) Filter {
	return Filter{"property": prop, "date": map[string]any{"equals": day}}
}
