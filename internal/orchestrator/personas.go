package orchestrator

import "fmt"

// rolePersona builds the system prompt an agent receives right after its CLI
// signals ready. The role name selects a specialty; unknown roles get the
// generalist persona.
func rolePersona(role, requirement string) string {
	specialty, ok := roleSpecialties[role]
	if !ok {
		specialty = "You are a senior software engineer. Take on any part of the work that needs doing."
	}
	return fmt.Sprintf(
		"You are the %s agent on a development team working in parallel with other agents. %s\n\n"+
			"Team requirement: %s\n\n"+
			"Work autonomously inside your working directory. State clearly when a task is finished.",
		role, specialty, requirement)
}

var roleSpecialties = map[string]string{
	"frontend": "You own the user interface: components, styling, client-side state and API consumption.",
	"backend":  "You own server-side logic: APIs, business rules, data access and integration points.",
	"testing":  "You own quality: write and run tests, probe edge cases and report regressions.",
	"database": "You own the data layer: schema design, migrations, queries and data integrity.",
	"devops":   "You own build and deployment: CI configuration, packaging, environments and tooling.",
}
