package logscan

// suggestions maps each category to the operator hint shown alongside the
// parsed issue.
var suggestions = map[Category]string{
	CategoryOOM:              "Increase the job's memory request or reduce the box/batch size.",
	CategorySegFault:         "Check input file integrity; if it persists, report the stage parameters.",
	CategoryCUDAError:        "Verify GPU availability on the node and that the stage's GPU settings match the hardware.",
	CategoryMissingInput:     "An expected input file is missing; check that the upstream stage completed and paths are correct.",
	CategoryPermissionDenied: "Check filesystem permissions on the project and output directories.",
	CategorySchedulerTimeout: "The job hit its time limit; raise the requested walltime or split the workload.",
	CategoryRelionAssertion:  "The stage rejected its inputs or parameters; review the stage configuration.",
}

// SuggestionFor returns the remediation hint for a category, or an empty
// string for categories without one.
func SuggestionFor(c Category) string {
	return suggestions[c]
}
