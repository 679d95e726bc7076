// Package invoke models the value effects of field access and method
// invocation for the partial evaluator. A Unit supplies the values of
// parameters, return values and fields, and may record the values the
// evaluator observes so other methods' evaluations can use them.
package invoke

import (
	"context"

	"github.com/tliron/commonlog"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/value"
)

var log = commonlog.GetLogger("pare.invoke")

// Unit is consulted by the evaluator whenever an instruction reads or writes
// a field, invokes a method or returns. Parameter indices count declared
// parameters from 0; the receiver is not a parameter.
type Unit interface {
	SetMethodParameterValue(ctx context.Context, m classfile.MethodRef, index int, v value.Value)
	MethodParameterValue(ctx context.Context, m classfile.MethodRef, index int) value.Value
	SetMethodReturnValue(ctx context.Context, m classfile.MethodRef, v value.Value)
	MethodReturnValue(ctx context.Context, m classfile.MethodRef) value.Value
	SetFieldValue(ctx context.Context, f classfile.FieldRef, v value.Value)
	FieldValue(ctx context.Context, f classfile.FieldRef) value.Value

	// SetFieldClassValue records the receiver through which an instance
	// field is accessed.
	SetFieldClassValue(ctx context.Context, f classfile.FieldRef, receiver value.Value)
	FieldClassValue(ctx context.Context, f classfile.FieldRef) value.Value

	// ExceptionValue returns the value a handler for catchType receives.
	// An empty catchType catches everything.
	ExceptionValue(ctx context.Context, catchType string) value.Value
}

// ---------------------------------------------------------------------------
// Basic
// ---------------------------------------------------------------------------

// Basic derives every value from descriptors and records nothing. No
// information flows between methods.
type Basic struct{}

func (Basic) SetMethodParameterValue(context.Context, classfile.MethodRef, int, value.Value) {}
func (Basic) SetMethodReturnValue(context.Context, classfile.MethodRef, value.Value)         {}
func (Basic) SetFieldValue(context.Context, classfile.FieldRef, value.Value)                 {}
func (Basic) SetFieldClassValue(context.Context, classfile.FieldRef, value.Value)            {}

func (Basic) MethodParameterValue(_ context.Context, m classfile.MethodRef, index int) value.Value {
	return parameterType(m, index)
}

func (Basic) MethodReturnValue(_ context.Context, m classfile.MethodRef) value.Value {
	return returnType(m)
}

func (Basic) FieldValue(_ context.Context, f classfile.FieldRef) value.Value {
	return value.FromDescriptor(f.Descriptor)
}

func (Basic) FieldClassValue(_ context.Context, f classfile.FieldRef) value.Value {
	return value.Reference([]string{f.Class}, value.MaybeNull, false)
}

func (Basic) ExceptionValue(_ context.Context, catchType string) value.Value {
	return exceptionType(catchType)
}

func parameterType(m classfile.MethodRef, index int) value.Value {
	params, _, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil || index < 0 || index >= len(params) {
		return value.Top()
	}
	return value.FromDescriptor(params[index])
}

func returnType(m classfile.MethodRef) value.Value {
	_, ret, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil || ret == "V" {
		return value.Top()
	}
	return value.FromDescriptor(ret)
}

func exceptionType(catchType string) value.Value {
	if catchType == "" {
		catchType = "java/lang/Throwable"
	}
	return value.Reference([]string{catchType}, value.NotNull, false)
}

// defaultValue is what a field holds before any write.
func defaultValue(desc string) value.Value {
	switch desc {
	case "Z", "B", "C", "S", "I":
		return value.Int(0)
	case "J":
		return value.Long(0)
	case "F":
		return value.Float(0)
	case "D":
		return value.Double(0)
	}
	return value.Null()
}
