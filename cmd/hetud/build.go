package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hetu-io/hetu/internal/component"
)

// cmdBuild generates a minimal client-side type stub for every component a
// deployment registers: the kernel's head-lock component plus the
// applicationComponentDefs map system.New seals against. It is not a
// full compile-time struct generator (spec.md's Design Notes scope that as
// a separate deliverable); it exists so a client author has field names
// and types to work against without running the server and inspecting
// SCHEMA_DRIFT messages by hand.
func cmdBuild(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	out := fs.String("out", "", "output file (default: stdout)")
	lang := fs.String("lang", "go", `stub language: "go" or "ts"`)
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	defs := map[string]*component.Definition{}
	headLockDef, err := headLockComponent()
	if err != nil {
		return err
	}
	defs[headLockDef.FullName()] = headLockDef
	for name, def := range applicationComponentDefs() {
		defs[name] = def
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	switch *lang {
	case "go":
		writeGoStubs(&sb, defs, names)
	case "ts":
		writeTSStubs(&sb, defs, names)
	default:
		return usageError(fmt.Errorf("build: unknown -lang %q", *lang))
	}

	if *out == "" {
		_, err := io.WriteString(os.Stdout, sb.String())
		return err
	}
	return os.WriteFile(*out, []byte(sb.String()), 0o644)
}

func writeGoStubs(sb *strings.Builder, defs map[string]*component.Definition, names []string) {
	sb.WriteString("package hetuclient\n\n// Code generated by `hetud build`; do not edit by hand.\n\n")
	for _, name := range names {
		def := defs[name]
		structName := stubStructName(name)
		fmt.Fprintf(sb, "type %s struct {\n\tID int64\n", structName)
		for _, p := range def.Properties {
			fmt.Fprintf(sb, "\t%s %s\n", stubFieldName(p.Name), goStubType(p.Type))
		}
		sb.WriteString("}\n\n")
	}
}

func writeTSStubs(sb *strings.Builder, defs map[string]*component.Definition, names []string) {
	sb.WriteString("// Code generated by `hetud build`; do not edit by hand.\n\n")
	for _, name := range names {
		def := defs[name]
		fmt.Fprintf(sb, "export interface %s {\n  id: number\n", stubStructName(name))
		for _, p := range def.Properties {
			fmt.Fprintf(sb, "  %s: %s\n", p.Name, tsStubType(p.Type))
		}
		sb.WriteString("}\n\n")
	}
}

func stubStructName(fullName string) string {
	parts := strings.SplitN(fullName, ".", 2)
	name := parts[len(parts)-1]
	if name == "" {
		return "Component"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func stubFieldName(propName string) string {
	if propName == "" {
		return propName
	}
	return strings.ToUpper(propName[:1]) + propName[1:]
}

func goStubType(t component.PrimitiveType) string {
	switch t {
	case component.TypeInt64:
		return "int64"
	case component.TypeFloat64:
		return "float64"
	case component.TypeBool:
		return "bool"
	case component.TypeString:
		return "string"
	case component.TypeBytes:
		return "[]byte"
	default:
		return "interface{}"
	}
}

func tsStubType(t component.PrimitiveType) string {
	switch t {
	case component.TypeInt64, component.TypeFloat64:
		return "number"
	case component.TypeBool:
		return "boolean"
	case component.TypeString:
		return "string"
	case component.TypeBytes:
		return "Uint8Array"
	default:
		return "unknown"
	}
}
