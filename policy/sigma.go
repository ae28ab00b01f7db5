package policy

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/jnesss/auditmon/types"
)

// Rule tags controlling the decision for a matching rule. A match
// without any of these suppresses the event; "policy.pass" lets a
// rule exist purely for match accounting.
const (
	tagSuppress     = "policy.suppress"
	tagPass         = "policy.pass"
	tagRedactPrefix = "policy.redact." // e.g. policy.redact.argv
)

// SigmaEngine evaluates events against Sigma rules loaded from a
// directory. Rule files are watched and reloaded on change.
type SigmaEngine struct {
	rulesDir string

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	watcher *fsnotify.Watcher
}

// Field mappings from Sigma's process-creation vocabulary onto our
// event fields.
func sigmaConfig() sigma.Config {
	return sigma.Config{
		Title: "auditmon config",
		FieldMappings: map[string]sigma.FieldMapping{
			"CommandLine":    {TargetNames: []string{"CommandLine"}},
			"Image":          {TargetNames: []string{"Image"}},
			"TargetFilename": {TargetNames: []string{"TargetFilename"}},
			"User":           {TargetNames: []string{"Username"}},
			"ProcessId":      {TargetNames: []string{"ProcessId"}},
		},
	}
}

// NewSigmaEngine loads rules from rulesDir and starts watching it for
// changes.
func NewSigmaEngine(rulesDir string) (*SigmaEngine, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	se := &SigmaEngine{
		rulesDir:   rulesDir,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		watcher:    watcher,
	}

	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create rules directory: %v", err)
	}
	if err := se.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	if err := watcher.Add(rulesDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %v", rulesDir, err)
	}
	go se.watchFileChanges()

	return se, nil
}

// LoadRules replaces the evaluator set from the rules directory.
func (se *SigmaEngine) LoadRules() error {
	files, err := os.ReadDir(se.rulesDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	count := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := filepath.Ext(file.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		filePath := filepath.Join(se.rulesDir, file.Name())

		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Printf("Warning: failed to read rule file %s: %v", filePath, err)
			continue
		}
		if sigma.InferFileType(content) != sigma.RuleFile {
			log.Printf("File is not a Sigma rule: %s", filePath)
			continue
		}
		rule, err := sigma.ParseRule(content)
		if err != nil {
			log.Printf("Warning: failed to parse rule file %s: %v", filePath, err)
			continue
		}

		evaluators[rule.ID] = evaluator.ForRule(rule,
			evaluator.WithConfig(sigmaConfig()),
			evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
				return nil, nil
			}),
			evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
				return 0, nil
			}),
			evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
				return 0, nil
			}),
			evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
				return 0, nil
			}))
		count++
	}

	se.mu.Lock()
	se.evaluators = evaluators
	se.mu.Unlock()

	log.Printf("Loaded %d policy rules from %s", count, se.rulesDir)
	return nil
}

func (se *SigmaEngine) watchFileChanges() {
	for {
		select {
		case event, ok := <-se.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Printf("Detected rule change: %s", event.Name)
				if err := se.LoadRules(); err != nil {
					log.Printf("Error reloading rules: %v", err)
				}
			}
		case err, ok := <-se.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("File watcher error: %v", err)
		}
	}
}

// Close stops the rule watcher.
func (se *SigmaEngine) Close() error {
	return se.watcher.Close()
}

// Evaluate checks the event against every loaded rule. Suppress from
// any matching rule wins; otherwise redact field sets are merged;
// otherwise pass.
func (se *SigmaEngine) Evaluate(ev *types.SecurityEvent) (Decision, error) {
	se.mu.RLock()
	evaluators := se.evaluators
	se.mu.RUnlock()

	if len(evaluators) == 0 {
		return Decision{Action: Pass}, nil
	}

	fields := eventFields(ev)
	ctx := context.Background()

	suppress := false
	redact := make(map[string]bool)
	var firstErr error

	for _, ruleEvaluator := range evaluators {
		result, err := ruleEvaluator.Matches(ctx, fields)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("rule %s: %v", ruleEvaluator.Rule.ID, err)
			}
			continue
		}
		if !result.Match {
			continue
		}
		action := ruleAction(ruleEvaluator.Rule)
		switch action.Action {
		case Suppress:
			suppress = true
		case Redact:
			for _, f := range action.RedactFields {
				redact[f] = true
			}
		}
	}

	if suppress {
		return Decision{Action: Suppress}, firstErr
	}
	if len(redact) > 0 {
		fields := make([]string, 0, len(redact))
		for f := range redact {
			fields = append(fields, f)
		}
		return Decision{Action: Redact, RedactFields: fields}, firstErr
	}
	return Decision{Action: Pass}, firstErr
}

// ruleAction derives a decision from the rule's tags.
func ruleAction(rule sigma.Rule) Decision {
	var redactFields []string
	for _, tag := range rule.Tags {
		switch {
		case tag == tagPass:
			return Decision{Action: Pass}
		case tag == tagSuppress:
			return Decision{Action: Suppress}
		case strings.HasPrefix(tag, tagRedactPrefix):
			redactFields = append(redactFields, strings.TrimPrefix(tag, tagRedactPrefix))
		}
	}
	if len(redactFields) > 0 {
		return Decision{Action: Redact, RedactFields: redactFields}
	}
	// A matching rule with no action tag is noise filtering.
	return Decision{Action: Suppress}
}

// eventFields maps a security event onto the Sigma process-creation
// field vocabulary.
func eventFields(ev *types.SecurityEvent) map[string]interface{} {
	fields := map[string]interface{}{
		"EventType": ev.Kind,
		"ProcessId": int64(ev.PID),
		"Image":     ev.Image,
		"Username":  ev.Username,
		"UID":       fmt.Sprintf("%d", ev.UID),
		"GID":       fmt.Sprintf("%d", ev.GID),
	}
	if len(ev.Argv) > 0 {
		fields["CommandLine"] = strings.Join(ev.Argv, " ")
	}
	if ev.Path != "" {
		fields["TargetFilename"] = ev.Path
	}
	if ev.Checksum != "" {
		fields["Hashes"] = "MD5=" + ev.Checksum
	}
	return fields
}
