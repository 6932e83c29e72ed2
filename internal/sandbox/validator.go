// Package sandbox implements the Sandbox Validator (C9): a pure function
// over Go trait source that decides whether it is safe to compile and load
// into the running process. It never touches disk or the network; callers
// own parsing the artifact off disk and persisting the verdict.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"github.com/clawinfra/ai-genesis/internal/config"
)

// Code is one of the closed set of validator/patcher failure codes (§7).
type Code string

const (
	SyntaxError         Code = "SYNTAX_ERROR"
	ImportForbidden     Code = "IMPORT_FORBIDDEN"
	BannedCall          Code = "BANNED_CALL"
	BannedAttr          Code = "BANNED_ATTR"
	ModuleLevelCode     Code = "MODULE_LEVEL_CODE"
	NoTraitClass        Code = "NO_TRAIT_CLASS"
	EntityAttrForbidden Code = "ENTITY_ATTR_FORBIDDEN"
	InitRequiredArgs    Code = "INIT_REQUIRED_ARGS"
	AwaitOnSync         Code = "AWAIT_ON_SYNC"
	DuplicateCode       Code = "DUPLICATE_CODE"
	LoadFailed          Code = "LOAD_FAILED"
	ClassNotFound       Code = "CLASS_NOT_FOUND"
	ImportTimeout       Code = "IMPORT_TIMEOUT"
)

// Result is the outcome of validating one candidate trait source.
type Result struct {
	Accepted    bool
	ClassName   string
	FailureCode Code
	CodeHash    string
	Log         []string
}

// DuplicateChecker reports whether a normalized-source hash has already been
// recorded by the Mutation Store, regardless of that record's status.
type DuplicateChecker interface {
	HasHash(hash string) bool
}

// entityMethods is the fixed set of trait.Entity methods a trait's Execute
// body may call (§6, "Entity attribute whitelist"). Every other selector
// reached through the entity parameter fails validation.
var entityMethods = map[string]bool{
	"X": true, "Y": true, "Energy": true, "MaxEnergy": true, "Age": true,
	"Generation": true, "State": true, "Traits": true, "MetabolismRate": true,
	"EnergyConsumptionRate": true, "NearbyEntities": true, "NearbyResources": true,
	"Move": true, "ConsumeResource": true,
}

// bannedCallSelectors maps the source language's eval/exec/compile/open/
// __import__/getattr/setattr/delattr/exit/quit/print family onto their
// nearest Go equivalents: dynamic process control, reflection-driven
// attribute access, ad-hoc file and process I/O, and stdout writers.
var bannedCallSelectors = map[string]bool{
	"Exit": true, "Command": true, "CommandContext": true, "StartProcess": true,
	"Open": true, "OpenFile": true, "Create": true, "Remove": true, "RemoveAll": true,
	"ValueOf": true, "TypeOf": true, "FieldByName": true, "MethodByName": true, "Call": true,
	"Print": true, "Println": true, "Printf": true,
	"Fprint": true, "Fprintln": true, "Fprintf": true,
}

// bannedAttrSelectors is the Go analogue of the dunder-attribute blocklist
// (__subclasses__, __bases__, __globals__, __code__, __builtins__, __dict__):
// the reflect/unsafe machinery that would let a trait climb out of the
// narrow Entity capability interface.
var bannedAttrSelectors = map[string]bool{
	"NumField": true, "NumMethod": true, "Elem": true, "Interface": true,
	"Pointer": true, "UnsafeAddr": true, "Sizeof": true, "Alignof": true, "Offsetof": true,
}

// structuralImports are always reachable regardless of config, since every
// valid trait file must import them to satisfy the Execute signature.
var structuralImports = map[string]bool{
	"context": true,
	"github.com/clawinfra/ai-genesis/internal/trait": true,
}

// Validator runs the §4.9 pipeline against one source file at a time.
type Validator struct {
	allowedImports map[string]bool
	dup            DuplicateChecker
}

// New builds a Validator from the configured import allow-list.
func New(cfg config.SandboxConfig, dup DuplicateChecker) *Validator {
	allowed := make(map[string]bool, len(cfg.AllowedImports))
	for _, imp := range cfg.AllowedImports {
		allowed[imp] = true
	}
	return &Validator{allowedImports: allowed, dup: dup}
}

// Validate runs every step in order, short-circuiting on first failure.
func (v *Validator) Validate(source string) Result {
	var log []string
	note := func(format string, args ...any) { log = append(log, fmt.Sprintf(format, args...)) }
	reject := func(code Code, format string, args ...any) Result {
		note(format, args...)
		return Result{Accepted: false, FailureCode: code, Log: log}
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "trait.go", source, parser.AllErrors)
	if err != nil {
		return reject(SyntaxError, "parse error: %v", err)
	}
	note("parsed %d bytes", len(source))

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return reject(SyntaxError, "malformed import literal: %v", err)
		}
		root := rootModule(path)
		if structuralImports[path] || v.allowedImports[root] || v.allowedImports[path] {
			continue
		}
		return reject(ImportForbidden, "import %q is not in the allow-list", path)
	}
	note("imports within allow-list")

	if code, msg := scanBannedCalls(file); code != "" {
		return reject(code, "%s", msg)
	}
	note("no banned calls")

	if code, msg := scanBannedAttrs(file); code != "" {
		return reject(code, "%s", msg)
	}
	note("no banned attribute access")

	if code, msg := scanModuleLevel(file); code != "" {
		return reject(code, "%s", msg)
	}
	note("no module-level execution")

	className, execDecl, entityParam, err := findTraitClass(file)
	if err != nil {
		return reject(NoTraitClass, "%v", err)
	}
	note("trait class %s implements Execute", className)

	if containsGoStmt(execDecl.Body) {
		return reject(AwaitOnSync, "Execute must run synchronously; found a goroutine launch")
	}

	if code, msg := scanEntityAccess(execDecl.Body, entityParam); code != "" {
		return reject(code, "%s", msg)
	}
	note("entity access within whitelist")

	if code, msg := checkInitSignature(file, className); code != "" {
		return reject(code, "%s", msg)
	}
	note("initialisation requires no arguments")

	normalized, err := format.Source([]byte(source))
	if err != nil {
		normalized = []byte(source)
	}
	sum := sha256.Sum256(normalized)
	hash := hex.EncodeToString(sum[:])
	if v.dup != nil && v.dup.HasHash(hash) {
		return reject(DuplicateCode, "source hash %s already recorded", hash)
	}
	note("content hash %s is new", hash)

	return Result{Accepted: true, ClassName: className, CodeHash: hash, Log: log}
}

func rootModule(path string) string {
	if i := strings.Index(path, "/"); i >= 0 {
		// Distinguish stdlib multi-segment packages (e.g. "math/rand") from
		// hosted module paths (e.g. "golang.org/x/crypto/blake2b") by
		// whether the first segment contains a dot.
		first := path[:i]
		if !strings.Contains(first, ".") {
			return path
		}
		return first
	}
	return path
}

func scanBannedCalls(file *ast.File) (Code, string) {
	var code Code
	var msg string
	ast.Inspect(file, func(n ast.Node) bool {
		if code != "" {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if bannedCallSelectors[sel.Sel.Name] {
			code = BannedCall
			msg = fmt.Sprintf("call to %s is banned", sel.Sel.Name)
			return false
		}
		return true
	})
	return code, msg
}

func scanBannedAttrs(file *ast.File) (Code, string) {
	var code Code
	var msg string
	ast.Inspect(file, func(n ast.Node) bool {
		if code != "" {
			return false
		}
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if bannedAttrSelectors[sel.Sel.Name] {
			code = BannedAttr
			msg = fmt.Sprintf("attribute access %s is banned", sel.Sel.Name)
			return false
		}
		return true
	})
	return code, msg
}

// scanModuleLevel enforces that only imports, type/const/func declarations,
// and var declarations with literal initializers appear at file scope.
func scanModuleLevel(file *ast.File) (Code, string) {
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil && d.Name.Name == "init" {
				return ModuleLevelCode, "top-level func init executes automatically on load and is forbidden"
			}
		case *ast.GenDecl:
			if d.Tok != token.VAR {
				continue
			}
			for _, spec := range d.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok {
					continue
				}
				for _, val := range vs.Values {
					if !isLiteralExpr(val) {
						return ModuleLevelCode, "top-level var initializers must be constant literals"
					}
				}
			}
		}
	}
	return "", ""
}

func isLiteralExpr(e ast.Expr) bool {
	switch x := e.(type) {
	case *ast.BasicLit:
		return true
	case *ast.CompositeLit:
		for _, elt := range x.Elts {
			if kv, ok := elt.(*ast.KeyValueExpr); ok {
				if !isLiteralExpr(kv.Value) {
					return false
				}
				continue
			}
			if !isLiteralExpr(elt) {
				return false
			}
		}
		return true
	case *ast.UnaryExpr:
		return isLiteralExpr(x.X)
	case *ast.Ident:
		return x.Name == "true" || x.Name == "false" || x.Name == "nil"
	default:
		return false
	}
}

// findTraitClass locates the single type implementing trait.Trait, i.e. the
// only receiver with an Execute(ctx context.Context, e trait.Entity) error
// method. Returns NO_TRAIT_CLASS if zero or more than one candidate exists.
func findTraitClass(file *ast.File) (className string, decl *ast.FuncDecl, entityParam string, err error) {
	var candidates []*ast.FuncDecl
	var recvNames []string

	for _, d := range file.Decls {
		fn, ok := d.(*ast.FuncDecl)
		if !ok || fn.Recv == nil || len(fn.Recv.List) != 1 || fn.Name.Name != "Execute" {
			continue
		}
		if !hasExecuteSignature(fn.Type) {
			continue
		}
		candidates = append(candidates, fn)
		recvNames = append(recvNames, receiverTypeName(fn.Recv.List[0].Type))
	}

	if len(candidates) == 0 {
		return "", nil, "", fmt.Errorf("no type implements Execute(ctx context.Context, e trait.Entity) error")
	}
	if len(candidates) > 1 {
		return "", nil, "", fmt.Errorf("multiple Execute implementations found: %s", strings.Join(recvNames, ", "))
	}

	fn := candidates[0]
	entityParam = fn.Type.Params.List[1].Names[0].Name
	className = recvNames[0]

	if !hasNewTraitFactory(file) {
		return "", nil, "", fmt.Errorf("missing a top-level func NewTrait() trait.Trait, required for loading")
	}

	return className, fn, entityParam, nil
}

// hasNewTraitFactory reports whether the file exports the stable factory
// symbol the Runtime Patcher looks up via plugin.Lookup: a zero-argument
// function returning trait.Trait.
func hasNewTraitFactory(file *ast.File) bool {
	for _, d := range file.Decls {
		fn, ok := d.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != "NewTrait" {
			continue
		}
		if fn.Type.Params != nil && len(fn.Type.Params.List) > 0 {
			continue
		}
		if fn.Type.Results == nil || len(fn.Type.Results.List) != 1 {
			continue
		}
		if isNamedType(fn.Type.Results.List[0].Type, "trait", "Trait") {
			return true
		}
	}
	return false
}

func hasExecuteSignature(ft *ast.FuncType) bool {
	if ft.Params == nil || len(ft.Params.List) != 2 {
		return false
	}
	if ft.Results == nil || len(ft.Results.List) != 1 {
		return false
	}
	if !isNamedType(ft.Params.List[0].Type, "context", "Context") {
		return false
	}
	if len(ft.Params.List[1].Names) != 1 {
		return false
	}
	if !isNamedType(ft.Params.List[1].Type, "trait", "Entity") {
		return false
	}
	resultIdent, ok := ft.Results.List[0].Type.(*ast.Ident)
	return ok && resultIdent.Name == "error"
}

func isNamedType(expr ast.Expr, pkg, name string) bool {
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	pkgIdent, ok := sel.X.(*ast.Ident)
	return ok && pkgIdent.Name == pkg && sel.Sel.Name == name
}

func receiverTypeName(expr ast.Expr) string {
	if star, ok := expr.(*ast.StarExpr); ok {
		expr = star.X
	}
	if id, ok := expr.(*ast.Ident); ok {
		return id.Name
	}
	return "?"
}

func containsGoStmt(body *ast.BlockStmt) bool {
	found := false
	ast.Inspect(body, func(n ast.Node) bool {
		if _, ok := n.(*ast.GoStmt); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

// scanEntityAccess enforces the §6 entity attribute whitelist: every
// selector reached through the entity parameter must name one of the
// trait.Entity interface methods.
func scanEntityAccess(body *ast.BlockStmt, entityParam string) (Code, string) {
	var code Code
	var msg string
	ast.Inspect(body, func(n ast.Node) bool {
		if code != "" {
			return false
		}
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok || ident.Name != entityParam {
			return true
		}
		if !entityMethods[sel.Sel.Name] {
			code = EntityAttrForbidden
			msg = fmt.Sprintf("entity.%s is not in the attribute whitelist", sel.Sel.Name)
			return false
		}
		return true
	})
	return code, msg
}

// checkInitSignature looks for a top-level New<ClassName> constructor and,
// if present, requires it to take no required arguments beyond none (the
// Go analogue of an __init__ accepting nothing past self).
func checkInitSignature(file *ast.File, className string) (Code, string) {
	ctorName := "New" + className
	for _, d := range file.Decls {
		fn, ok := d.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != ctorName {
			continue
		}
		if fn.Type.Params != nil && len(fn.Type.Params.List) > 0 {
			return InitRequiredArgs, fmt.Sprintf("%s must not require arguments", ctorName)
		}
	}
	return "", ""
}
