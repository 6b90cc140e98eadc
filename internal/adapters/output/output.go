// Package output renders CLI results as tables or JSON.
package output

// Printer renders output.
type Printer interface {
	Print(v any) error
}

// New returns the JSON printer when asJSON is set.
func New(asJSON bool) Printer {
	if asJSON {
		return JSONPrinter{}
	}
	return HumanPrinter{}
}
