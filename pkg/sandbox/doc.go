/*
Package sandbox implements a small, Jinja-flavoured template language whose
evaluator can only see the data it is handed.

Templates are compiled once into a closed syntax tree and evaluated any number
of times against a variable mapping. The language supports text, `{{ expr }}`
substitution, `{% if %}` and `{% for %}` blocks, comments and a fixed registry
of filters. There is no call syntax, no attribute lookup on host objects and no
access to the filesystem, network or process: member access only resolves keys
of mappings and indexes of lists built from JSON-like values.

Evaluation is bounded by Limits (total loop iterations, output size, input
nesting) and honours context cancellation, so a crafted template cannot hold a
caller hostage. Every failure is reported as a *CompileError or *EvalError.
*/
package sandbox
