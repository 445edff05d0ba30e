package kvm

import (
	"fmt"

	"github.com/tinyrange/hvcore/internal/hv"
)

// applyCPUID overrides sub-leaf 0 of each requested function in table,
// appending entries the host did not report.
func applyCPUID(table *kvmCPUID2, overrides []hv.CPUIDResult) error {
	for _, o := range overrides {
		entry := kvmCPUIDEntry2{Function: o.Function, Eax: o.Eax, Ebx: o.Ebx, Ecx: o.Ecx, Edx: o.Edx}

		replaced := false
		for i := range table.Nr {
			e := &table.Entries[i]
			if e.Function == o.Function && e.Index == 0 {
				entry.Flags = e.Flags
				*e = entry
				replaced = true
				break
			}
		}
		if replaced {
			continue
		}
		if table.Nr >= maxCPUIDEntries {
			return fmt.Errorf("kvm: cpuid table full adding %#x: %w", o.Function, hv.ErrResourceLimitExceeded)
		}
		table.Entries[table.Nr] = entry
		table.Nr++
	}
	return nil
}
