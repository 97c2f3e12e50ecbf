package config

import (
	"fmt"

	"github.com/openfroyo/livegraph/pkg/engine"
)

// ZoneSchema constrains a zone file: a struct mapping zone names to zone
// settings. Unknown settings are rejected because #Zone is closed.
var ZoneSchema = fmt.Sprintf(`
#YieldMode: %q | %q | %q | %q

#Zone: {
	hostUri:          *%q | string
	processName?:     string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"
	threadCount?:     int & >=0
	yieldMode:        *%q | #YieldMode
	priorityPercent?: int & >=-100 & <=100
}

zones: [string]: #Zone
`,
	engine.YieldDefault, engine.YieldCondition, engine.YieldHybrid, engine.YieldSpin,
	engine.DefaultHostURI,
	engine.YieldDefault,
)
