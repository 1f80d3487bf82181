// Package experiment holds the experiment data model and the rules that do
// not need storage: structural validation, the lifecycle transition table,
// deterministic bucketing and the page/element overlap rule used by the
// deployment conflict check.
package experiment
