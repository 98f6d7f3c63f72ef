package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/catherinevee/integraudit/internal/apperrors"
	"github.com/catherinevee/integraudit/internal/logger"
)

const (
	businessRulesFile    = "business-rules.json"
	remediationLogicFile = "remediation-logic.json"
	productsDir          = "products"
)

// Loader loads and caches business rules and remediation logic from a
// config directory. Rules are read-only after loading.
type Loader struct {
	baseDir  string
	validate *validator.Validate
	log      logger.Logger

	mu         sync.RWMutex
	rulesCache map[string]*BusinessRules
	logicCache RemediationLogic
}

// NewLoader creates a loader rooted at baseDir.
func NewLoader(baseDir string) *Loader {
	return &Loader{
		baseDir:    baseDir,
		validate:   validator.New(),
		log:        logger.New("config"),
		rulesCache: make(map[string]*BusinessRules),
	}
}

// LoadBusinessRules returns the ruleset for (product, version). A
// per-product override at products/<product>/<version>-business-rules.json
// wins over the base file. Results are cached.
func (l *Loader) LoadBusinessRules(product, version string) (*BusinessRules, error) {
	key := product + "@" + version

	l.mu.RLock()
	if cached, ok := l.rulesCache[key]; ok {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	path := filepath.Join(l.baseDir, businessRulesFile)
	if product != "" {
		override := filepath.Join(l.baseDir, productsDir, product, version+"-"+businessRulesFile)
		if _, err := os.Stat(override); err == nil {
			path = override
		}
	}

	rules, err := l.readBusinessRules(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.rulesCache[key] = rules
	l.mu.Unlock()

	l.log.Info("business rules loaded",
		logger.String("path", path),
		logger.Int("editions", len(rules.EditionRequirements)))
	return rules, nil
}

func (l *Loader) readBusinessRules(path string) (*BusinessRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("reading business rules %s", path), err)
	}

	var rules BusinessRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("parsing business rules %s", path), err)
	}
	if err := l.validate.Struct(&rules); err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("validating business rules %s", path), err)
	}
	return &rules, nil
}

// LoadRemediationLogic returns the corruption-type to action-template
// mapping. Loaded once and cached.
func (l *Loader) LoadRemediationLogic() (RemediationLogic, error) {
	l.mu.RLock()
	if l.logicCache != nil {
		cached := l.logicCache
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	path := filepath.Join(l.baseDir, remediationLogicFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("reading remediation logic %s", path), err)
	}

	var logic RemediationLogic
	if err := json.Unmarshal(data, &logic); err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("parsing remediation logic %s", path), err)
	}
	for corruptionType, templates := range logic {
		for i := range templates {
			if err := l.validate.Struct(&templates[i]); err != nil {
				return nil, apperrors.NewConfigError(
					fmt.Sprintf("validating template %s[%d]", corruptionType, i), err)
			}
		}
	}

	l.mu.Lock()
	l.logicCache = logic
	l.mu.Unlock()

	l.log.Info("remediation logic loaded",
		logger.String("path", path),
		logger.Int("corruption_types", len(logic)))
	return logic, nil
}

// ListProducts returns product names that carry rule overrides.
func (l *Loader) ListProducts() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.baseDir, productsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewConfigError("listing products", err)
	}
	var products []string
	for _, entry := range entries {
		if entry.IsDir() {
			products = append(products, entry.Name())
		}
	}
	return products, nil
}

// ValidateAll checks the base config files without caching, for the
// `config --validate` command. It returns one error per broken file.
func (l *Loader) ValidateAll() []error {
	var problems []error
	if _, err := l.readBusinessRules(filepath.Join(l.baseDir, businessRulesFile)); err != nil {
		problems = append(problems, err)
	}

	fresh := NewLoader(l.baseDir)
	if _, err := fresh.LoadRemediationLogic(); err != nil {
		problems = append(problems, err)
	}

	products, err := l.ListProducts()
	if err != nil {
		problems = append(problems, err)
		return problems
	}
	for _, product := range products {
		dir := filepath.Join(l.baseDir, productsDir, product)
		entries, err := os.ReadDir(dir)
		if err != nil {
			problems = append(problems, apperrors.NewConfigError("reading product dir "+dir, err))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if _, err := l.readBusinessRules(filepath.Join(dir, entry.Name())); err != nil {
				problems = append(problems, err)
			}
		}
	}
	return problems
}
