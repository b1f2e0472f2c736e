package health

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// MultiChecker runs named checkers, e.g. "postgres" or "startup", and is healthy only when all of
// them are. Checkers may be registered while the health endpoint is being served.
type MultiChecker struct {
	names    []string
	checkers map[string]Checker
	mutex    sync.RWMutex
}

func NewMultiChecker() *MultiChecker {
	return &MultiChecker{checkers: map[string]Checker{}}
}

// Register adds checker under name, replacing any checker registered under the same name.
func (mc *MultiChecker) Register(name string, checker Checker) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if _, exists := mc.checkers[name]; !exists {
		mc.names = append(mc.names, name)
	}
	mc.checkers[name] = checker
}

// Failures runs every checker and returns the error of each failing one by name.
func (mc *MultiChecker) Failures() map[string]error {
	mc.mutex.RLock()
	names := append([]string(nil), mc.names...)
	checkers := make(map[string]Checker, len(mc.checkers))
	for name, checker := range mc.checkers {
		checkers[name] = checker
	}
	mc.mutex.RUnlock()

	failures := map[string]error{}
	for _, name := range names {
		if err := checkers[name].Check(); err != nil {
			failures[name] = err
		}
	}
	return failures
}

func (mc *MultiChecker) Check() error {
	failures := mc.Failures()
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)

	var result *multierror.Error
	for _, name := range names {
		result = multierror.Append(result, errors.WithMessage(failures[name], name))
	}
	return result.ErrorOrNil()
}
