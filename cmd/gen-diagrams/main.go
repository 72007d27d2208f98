// gen-diagrams renders the pipeline graphs as Mermaid diagrams for README
// documentation. Run: go run ./cmd/gen-diagrams
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pubudusj/spelling-game-backend/internal/diagram"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

func main() {
	// The generation pipeline's shape: fan out per word, submit speech
	// synthesis, poll with a wait loop, persist or report.
	g := &flow.Graph{
		Name:    "generation",
		StartAt: "RequestCandidateWords",
		States: map[string]*flow.State{
			"RequestCandidateWords": {
				Type: flow.StateTask, Resource: "textgen.generate",
				ResultPath: "words", Next: "FanOutPerWord",
			},
			"FanOutPerWord": {
				Type: flow.StateMap, ItemsPath: "words",
				ResultPath: "results", Next: "Summarize",
				Iterator: &flow.Graph{
					Name:    "per-word",
					StartAt: "SubmitSynthesis",
					States: map[string]*flow.State{
						"SubmitSynthesis": {
							Type: flow.StateTask, Resource: "synth.submit",
							ResultPath: "job", Next: "PollSynthesisStatus",
							Catch: &flow.Catch{Next: "ReportFailure", ResultPath: "failure"},
						},
						"PollSynthesisStatus": {
							Type: flow.StateTask, Resource: "synth.status",
							ResultPath: "job", Next: "CountPoll",
							Catch: &flow.Catch{Next: "ReportFailure", ResultPath: "failure"},
						},
						"CountPoll": {
							Type: flow.StatePass, Transform: "(.doc.polls // 0) + 1",
							ResultPath: "polls", Next: "StatusChoice",
						},
						"StatusChoice": {
							Type: flow.StateChoice,
							Choices: []flow.ChoiceRule{
								{When: `doc.job.status == "completed"`, Next: "PersistWord"},
								{When: `doc.job.status == "failed"`, Next: "ReportFailure"},
								{When: "doc.polls >= 10.0", Next: "ReportFailure"},
							},
							Otherwise: "WaitThenPoll",
						},
						"WaitThenPoll": {
							Type: flow.StateWait, Duration: 5 * time.Second,
							Next: "PollSynthesisStatus",
						},
						"PersistWord": {
							Type: flow.StateTask, Resource: "words.persist",
							ResultPath: "persisted", Next: "WordDone",
							Catch: &flow.Catch{Next: "ReportFailure", ResultPath: "failure"},
						},
						"ReportFailure": {
							Type: flow.StateTask, Resource: "notify.failure",
							ResultPath: "notified", Next: "WordDone",
						},
						"WordDone": {Type: flow.StateSucceed},
					},
				},
			},
			"Summarize": {
				Type: flow.StatePass, Next: "Done",
				Transform: `{language: .doc.language, requested: (.doc.words | length)}`,
			},
			"Done": {Type: flow.StateSucceed},
		},
	}

	if err := flow.Compile(g); err != nil {
		fmt.Fprintf(os.Stderr, "compile error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	mermaid := diagram.RenderMermaid(g)
	os.WriteFile(filepath.Join(outDir, "generation-graph.md"),
		[]byte("```mermaid\n"+mermaid+"```\n"), 0o644)
	fmt.Println(mermaid)
}
