// Package all registers every provider adapter. Import it for side effects
// from any binary that resolves adapters through the registry.
package all

import (
	_ "github.com/racewire/engine/pkg/providers/chronotrack"
	_ "github.com/racewire/engine/pkg/providers/haku"
	_ "github.com/racewire/engine/pkg/providers/letsdothis"
	_ "github.com/racewire/engine/pkg/providers/raceroster"
	_ "github.com/racewire/engine/pkg/providers/runsignup"
)
