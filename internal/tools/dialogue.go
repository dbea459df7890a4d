package tools

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/scanner"
	"go/token"
	"regexp"
	"strconv"
	"time"
)

const (
	CurrentTimeName = "get_current_time"
	SimpleMathName  = "calculate_simple_math"
)

// mathWhitelist is the only gate in front of expression evaluation.
var mathWhitelist = regexp.MustCompile(`^[0-9+\-*/.() ]*$`)

var leadingZeros = regexp.MustCompile(`(^|[^0-9.])0+([0-9])`)

var (
	errDivisionByZero    = errors.New("division by zero")
	errInvalidExpression = errors.New("invalid expression")
)

// CurrentTime returns the get_current_time tool reading from now.
func CurrentTime(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return Tool{
		Name:        CurrentTimeName,
		Description: "Get the current date and time",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Execute: func(ctx context.Context, _ map[string]interface{}) string {
			return "Current time: " + now().Format("2006-01-02 15:04:05")
		},
	}
}

// SimpleMath returns the calculate_simple_math tool.
func SimpleMath() Tool {
	return Tool{
		Name:        SimpleMathName,
		Description: "Calculate simple mathematical expressions using + - * / and parentheses",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{
					"type":        "string",
					"description": "Arithmetic expression, e.g. 2+2*5",
				},
			},
			"required": []string{"expression"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) string {
			return CalculateSimpleMath(StringArg(args, "expression", ""))
		},
	}
}

// DialogueTools is the tool set bound to the dialogue workflow.
func DialogueTools(now func() time.Time) *Registry {
	return NewRegistry(CurrentTime(now), SimpleMath())
}

// CalculateSimpleMath evaluates expression when it only contains digits,
// + - * / . ( ) and spaces. Anything else is rejected before parsing.
func CalculateSimpleMath(expression string) string {
	if !mathWhitelist.MatchString(expression) {
		return "Error: Only basic mathematical operations are allowed"
	}
	result, err := evalArithmetic(expression)
	if err != nil {
		return fmt.Sprintf("Error calculating %s: %v", expression, err)
	}
	return fmt.Sprintf("The result of %s is %s", expression, result)
}

func evalArithmetic(expression string) (string, error) {
	// Leading zeros are decimal here, not octal.
	src := leadingZeros.ReplaceAllString(expression, "$1$2")
	// "//" and "/*" would otherwise be dropped by the parser as comments.
	if hasComment(src) {
		return "", errInvalidExpression
	}
	node, err := parser.ParseExpr(src)
	if err != nil {
		return "", errInvalidExpression
	}
	v, err := evalNode(node)
	if err != nil {
		return "", err
	}
	return formatValue(v), nil
}

func hasComment(src string) bool {
	fset := token.NewFileSet()
	b := []byte(src)
	var sc scanner.Scanner
	sc.Init(fset.AddFile("", fset.Base(), len(b)), b, nil, scanner.ScanComments)
	for {
		_, tok, _ := sc.Scan()
		switch tok {
		case token.EOF:
			return false
		case token.COMMENT:
			return true
		}
	}
}

func evalNode(n ast.Expr) (constant.Value, error) {
	switch e := n.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", e.Value)
		}
		v := constant.MakeFromLiteral(e.Value, e.Kind, 0)
		if v.Kind() == constant.Unknown {
			return nil, fmt.Errorf("invalid number %s", e.Value)
		}
		return v, nil
	case *ast.ParenExpr:
		return evalNode(e.X)
	case *ast.UnaryExpr:
		if e.Op != token.ADD && e.Op != token.SUB {
			return nil, fmt.Errorf("unsupported operator %s", e.Op)
		}
		x, err := evalNode(e.X)
		if err != nil {
			return nil, err
		}
		return constant.UnaryOp(e.Op, x, 0), nil
	case *ast.BinaryExpr:
		switch e.Op {
		case token.ADD, token.SUB, token.MUL, token.QUO:
		default:
			return nil, fmt.Errorf("unsupported operator %s", e.Op)
		}
		x, err := evalNode(e.X)
		if err != nil {
			return nil, err
		}
		y, err := evalNode(e.Y)
		if err != nil {
			return nil, err
		}
		if e.Op == token.QUO && constant.Sign(y) == 0 {
			return nil, errDivisionByZero
		}
		// QUO on two integers yields an exact rational, i.e. true division.
		return constant.BinaryOp(x, e.Op, y), nil
	default:
		return nil, fmt.Errorf("unsupported expression")
	}
}

func formatValue(v constant.Value) string {
	if v.Kind() == constant.Int {
		return v.ExactString()
	}
	if i := constant.ToInt(v); i.Kind() == constant.Int {
		return i.ExactString()
	}
	f, _ := constant.Float64Val(v)
	return strconv.FormatFloat(f, 'f', -1, 64)
}
