// Package file provides a JSON file backed persistence implementation for
// single-process deployments and local development.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/persistence"
)

const (
	playbooksFile   = "playbooks.json"
	runsFile        = "runs.json"
	eventsFile      = "run_events.json"
	jobsFile        = "jobs.json"
	occurrencesFile = "alert_occurrences.json"
)

// Persistence implements persistence.Persistence on top of the file system.
//
// All state is held in memory behind a single mutex and written through to
// one JSON document per collection, so conditional operations (claim,
// versioned update, dedup) are atomic within the process.
type Persistence struct {
	root string
	mu   sync.Mutex

	playbooks   map[string]*models.Playbook
	runs        map[string]*models.Run
	events      map[string][]*models.RunEvent
	dedupKeys   map[string]*models.RunEvent
	jobs        map[string]*models.Job
	occurrences map[string][]*models.AlertOccurrence

	playbookRepo *PlaybookRepository
	runRepo      *RunRepository
	jobRepo      *JobRepository
}

// NewPersistence creates the data directory if needed and loads existing documents.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	if err := os.MkdirAll(cleanRoot, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fp := &Persistence{
		root:        cleanRoot,
		playbooks:   make(map[string]*models.Playbook),
		runs:        make(map[string]*models.Run),
		events:      make(map[string][]*models.RunEvent),
		dedupKeys:   make(map[string]*models.RunEvent),
		jobs:        make(map[string]*models.Job),
		occurrences: make(map[string][]*models.AlertOccurrence),
	}

	if err := fp.load(); err != nil {
		return nil, err
	}

	fp.playbookRepo = &PlaybookRepository{fp: fp}
	fp.runRepo = &RunRepository{fp: fp}
	fp.jobRepo = &JobRepository{fp: fp}

	return fp, nil
}

// PlaybookRepository returns the playbook repository.
func (fp *Persistence) PlaybookRepository() persistence.PlaybookRepository {
	return fp.playbookRepo
}

// RunRepository returns the run repository.
func (fp *Persistence) RunRepository() persistence.RunRepository {
	return fp.runRepo
}

// JobRepository returns the job repository.
func (fp *Persistence) JobRepository() persistence.JobRepository {
	return fp.jobRepo
}

// HealthCheck verifies the data directory is still reachable.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return fmt.Errorf("data directory does not exist: %s", fp.root)
	}

	return nil
}

// Close flushes every collection to disk.
func (fp *Persistence) Close(_ context.Context) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return errors.Join(
		fp.flushPlaybooks(),
		fp.flushRuns(),
		fp.flushEvents(),
		fp.flushJobs(),
		fp.flushOccurrences(),
	)
}

func (fp *Persistence) load() error {
	var playbooks []*models.Playbook
	if err := fp.readDocument(playbooksFile, &playbooks); err != nil {
		return err
	}

	for _, playbook := range playbooks {
		fp.playbooks[playbook.ID] = playbook
	}

	var runs []*models.Run
	if err := fp.readDocument(runsFile, &runs); err != nil {
		return err
	}

	for _, run := range runs {
		fp.runs[run.ID] = run
	}

	var events []*models.RunEvent
	if err := fp.readDocument(eventsFile, &events); err != nil {
		return err
	}

	for _, event := range events {
		fp.events[event.RunID] = append(fp.events[event.RunID], event)
		if event.DedupKey != "" {
			fp.dedupKeys[event.DedupKey] = event
		}
	}

	var jobs []*models.Job
	if err := fp.readDocument(jobsFile, &jobs); err != nil {
		return err
	}

	for _, job := range jobs {
		fp.jobs[job.ID] = job
	}

	var occurrences []*models.AlertOccurrence
	if err := fp.readDocument(occurrencesFile, &occurrences); err != nil {
		return err
	}

	for _, occurrence := range occurrences {
		fp.occurrences[occurrence.JobID] = append(fp.occurrences[occurrence.JobID], occurrence)
	}

	return nil
}

func (fp *Persistence) readDocument(name string, target any) error {
	path := filepath.Join(fp.root, name)

	data, err := os.ReadFile(path) // #nosec G304 -- path is built from the configured root
	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}

	return nil
}

// writeDocument replaces a collection file through a rename so a crash never
// leaves a half written document behind.
func (fp *Persistence) writeDocument(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := filepath.Join(fp.root, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}

	return nil
}

func (fp *Persistence) flushPlaybooks() error {
	playbooks := make([]*models.Playbook, 0, len(fp.playbooks))
	for _, playbook := range fp.playbooks {
		playbooks = append(playbooks, playbook)
	}

	return fp.writeDocument(playbooksFile, playbooks)
}

func (fp *Persistence) flushRuns() error {
	runs := make([]*models.Run, 0, len(fp.runs))
	for _, run := range fp.runs {
		runs = append(runs, run)
	}

	return fp.writeDocument(runsFile, runs)
}

// putRun stores run and writes the runs document. If the write fails the
// previous entry is restored, so memory never holds state the disk refused.
func (fp *Persistence) putRun(run *models.Run) error {
	previous, existed := fp.runs[run.ID]
	fp.runs[run.ID] = run

	if err := fp.flushRuns(); err != nil {
		if existed {
			fp.runs[run.ID] = previous
		} else {
			delete(fp.runs, run.ID)
		}

		return err
	}

	return nil
}

func (fp *Persistence) putJob(job *models.Job) error {
	previous, existed := fp.jobs[job.ID]
	fp.jobs[job.ID] = job

	if err := fp.flushJobs(); err != nil {
		if existed {
			fp.jobs[job.ID] = previous
		} else {
			delete(fp.jobs, job.ID)
		}

		return err
	}

	return nil
}

func (fp *Persistence) flushEvents() error {
	events := make([]*models.RunEvent, 0)
	for _, runEvents := range fp.events {
		events = append(events, runEvents...)
	}

	return fp.writeDocument(eventsFile, events)
}

func (fp *Persistence) flushJobs() error {
	jobs := make([]*models.Job, 0, len(fp.jobs))
	for _, job := range fp.jobs {
		jobs = append(jobs, job)
	}

	return fp.writeDocument(jobsFile, jobs)
}

func (fp *Persistence) flushOccurrences() error {
	occurrences := make([]*models.AlertOccurrence, 0)
	for _, jobOccurrences := range fp.occurrences {
		occurrences = append(occurrences, jobOccurrences...)
	}

	return fp.writeDocument(occurrencesFile, occurrences)
}
