package relaycache

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryMode describes coarse memory profiles for the cache.
type MemoryMode string

const (
	MemoryModeAuto   MemoryMode = "auto"
	MemoryModeShort  MemoryMode = "short"
	MemoryModeMedium MemoryMode = "medium"
	MemoryModeHog    MemoryMode = "hog"
	MemoryModeCustom MemoryMode = "custom"
)

// MemoryProfile captures how much the cache may hold.
type MemoryProfile struct {
	Mode             MemoryMode
	BudgetMB         int
	MaxEvents        int
	BackendMaxEvents int
	PageSize         int
}

// ParseMemoryMode normalizes a mode string into a known MemoryMode.
func ParseMemoryMode(mode string) MemoryMode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(MemoryModeAuto):
		return MemoryModeAuto
	case string(MemoryModeShort):
		return MemoryModeShort
	case string(MemoryModeHog):
		return MemoryModeHog
	case string(MemoryModeCustom):
		return MemoryModeCustom
	default:
		return MemoryModeMedium
	}
}

// MemoryModeForBudget chooses a mode based on available memory budget.
func MemoryModeForBudget(budgetMB int) MemoryMode {
	switch {
	case budgetMB <= 384:
		return MemoryModeShort
	case budgetMB <= 1024:
		return MemoryModeMedium
	default:
		return MemoryModeHog
	}
}

// AutoMemoryProfile determines the best profile based on available memory.
// The second return value says where the budget came from.
func AutoMemoryProfile() (MemoryProfile, string, error) {
	budgetMB, source, err := detectMemoryBudgetMB()
	if err != nil {
		return DefaultMemoryProfile(), "default", err
	}
	profile := MemoryProfileForMode(MemoryModeForBudget(budgetMB))
	profile.BudgetMB = budgetMB
	return profile, source, nil
}

// ResolveMemoryProfile turns a -memory-mode value into a profile, detecting
// the budget for "auto".
func ResolveMemoryProfile(mode string) (MemoryProfile, string, error) {
	m := ParseMemoryMode(mode)
	if m == MemoryModeAuto {
		return AutoMemoryProfile()
	}
	return MemoryProfileForMode(m), "flag", nil
}

// MemoryProfileForMode returns the default profile for a given mode.
func MemoryProfileForMode(mode MemoryMode) MemoryProfile {
	switch mode {
	case MemoryModeShort:
		return MemoryProfile{
			Mode:     MemoryModeShort,
			BudgetMB: 256,
			// ~3 KB per cached event once tags, memo slots and index entries are
			// counted: 15k events stays well under 64 MB of heap.
			MaxEvents:        15000,
			BackendMaxEvents: 100000,
			PageSize:         50,
		}
	case MemoryModeHog:
		return MemoryProfile{
			Mode:             MemoryModeHog,
			BudgetMB:         2048,
			MaxEvents:        250000,
			BackendMaxEvents: 0,
			PageSize:         500,
		}
	case MemoryModeCustom:
		return MemoryProfile{
			Mode:     MemoryModeCustom,
			PageSize: DefaultPageSize,
		}
	default:
		return MemoryProfile{
			Mode:             MemoryModeMedium,
			BudgetMB:         512,
			MaxEvents:        60000,
			BackendMaxEvents: 1000000,
			PageSize:         DefaultPageSize,
		}
	}
}

// DefaultMemoryProfile returns the standard profile (medium).
func DefaultMemoryProfile() MemoryProfile {
	return MemoryProfileForMode(MemoryModeMedium)
}

// Apply fills the capacity fields of cfg that are still unset.
func (p MemoryProfile) Apply(cfg StoreConfig) StoreConfig {
	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = p.MaxEvents
	}
	if cfg.BackendMaxEvents == 0 {
		cfg.BackendMaxEvents = p.BackendMaxEvents
	}
	return cfg
}

// containerLimitFiles are read in order; the first one present decides.
var containerLimitFiles = []string{
	"/sys/fs/cgroup/memory.max",
	"/sys/fs/cgroup/memory/memory.limit_in_bytes",
}

// detectMemoryBudgetMB sizes the cache against the tighter of the machine's
// RAM and the container's memory limit.
func detectMemoryBudgetMB() (int, string, error) {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0, "", err
	}
	const mb = 1 << 20
	if limit, ok := containerLimit(vmem.Total); ok && limit < vmem.Total {
		return int(limit / mb), "cgroup", nil
	}
	return int(vmem.Total / mb), "system", nil
}

// containerLimit reports the memory limit of the enclosing cgroup. Unlimited
// cgroups and the huge sentinel values some runtimes write count as no limit.
func containerLimit(machine uint64) (uint64, bool) {
	for _, path := range containerLimitFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		limit, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			// "max" and empty files land here
			return 0, false
		}
		if limit == 0 || (machine > 0 && limit/2 > machine) {
			return 0, false
		}
		return limit, true
	}
	return 0, false
}
