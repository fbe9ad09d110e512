package escalation

import "github.com/agentoven/conductor/internal/signals"

// distressPatterns are checked in order against the reflection text.
var distressPatterns = []signals.Entry{
	{Expr: `i('m| am) stuck`, Class: "stuck"},
	{Expr: `need help`, Class: "help"},
	{Expr: `cannot (proceed|continue|resolve)`, Class: "cannot_proceed"},
	{Expr: `blocked (by|on|with)`, Class: "blocked"},
	{Expr: `beyond (my|the) (capabilities|scope)`, Class: "out_of_scope"},
	{Expr: `exhausted (all|available) (options|approaches|solutions)`, Class: "exhausted"},
	{Expr: `unable to (complete|solve|resolve|find)`, Class: "unable"},
	{Expr: `(requires|needs) human (input|intervention|review)`, Class: "human_required"},
	{Expr: `out of (my )?depth`, Class: "out_of_depth"},
	{Expr: `no (viable|feasible) (solution|path|approach)`, Class: "no_path"},
	{Expr: `giv(e|ing) up`, Class: "giving_up"},
	{Expr: `circular (dependency|reasoning|logic)`, Class: "circular"},
}

// DefaultPatterns returns the built-in distress pattern set.
func DefaultPatterns() *signals.PatternSet {
	return signals.MustCompile(distressPatterns)
}
