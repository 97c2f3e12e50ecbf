package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		processNamingPolicy(),
		peerLimitPolicy(),
	}
}

func processNamingPolicy() Policy {
	return Policy{
		Name:        "process-naming",
		Description: "Process names are identifiers of at most 64 characters; gui is reserved",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package livegraph.spawn.naming

import rego.v1

deny contains violation if {
	name := input.request.process_name
	not regex.match("^[A-Za-z0-9_][A-Za-z0-9_.-]*$", name)
	violation := {
		"message": sprintf("process name '%s' must contain only letters, digits, '_', '.' and '-'", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.request.process_name
	count(name) > 64
	violation := {
		"message": sprintf("process name '%s' is longer than 64 characters", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	input.request.process_name == "gui"
	violation := {
		"message": "process name 'gui' is reserved for the front-end environment",
		"severity": "error",
	}
}
`,
	}
}

func peerLimitPolicy() Policy {
	return Policy{
		Name:        "peer-limit",
		Description: "A daemon runs at most max_peers distinct peer processes",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package livegraph.spawn.limits

import rego.v1

deny contains violation if {
	input.daemon.max_peers > 0
	not input.request.process_name in input.daemon.running
	count(input.daemon.running) >= input.daemon.max_peers
	violation := {
		"message": sprintf("host already runs %d peers (limit %d)", [count(input.daemon.running), input.daemon.max_peers]),
		"severity": "error",
	}
}
`,
	}
}
