package example

type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

type EventType string

const (
	EventTypeCommit EventType = "commit"
)

// Label has no constants, so it is not an enum.
type Label string

type Connection struct {
	Provider Provider
	Label    Label
}

type ChangeEvent struct {
	EventType EventType
	Source    string
}

func bad() {
	c := &Connection{}
	c.Provider = "bitbucket" // want `enum field Provider assigned string literal "bitbucket"; use a Provider constant`

	e := ChangeEvent{EventType: "commit"} // want `enum field EventType assigned string literal "commit"; use a EventType constant`
	_ = e
}

func good() {
	c := &Connection{}
	c.Provider = ProviderGitHub // OK: using constant
	c.Label = "team-a"          // OK: not an enum

	e := ChangeEvent{EventType: EventTypeCommit, Source: "github"}
	_ = e
}

func alsoGood() {
	// OK: Variable, not literal
	provider := ProviderGitLab
	c := &Connection{Provider: provider}
	_ = c
}
