package classfile

import (
	"testing"
)

func hierarchy() ClassSet {
	a := &Class{Name: "p/A", Super: "java/lang/Object", Interfaces: []string{"p/I"}}
	a.Methods = []*Method{
		{Access: AccPublic, Name: "v", Descriptor: "()I"},
		{Access: AccPublic | AccFinal, Name: "fixed", Descriptor: "()I"},
		{Access: AccPrivate, Name: "hidden", Descriptor: "()I"},
		{Access: AccPublic | AccStatic, Name: "make", Descriptor: "()Lp/A;"},
	}
	a.Fields = []*Field{{Access: AccPublic, Name: "n", Descriptor: "I"}}
	b := &Class{Name: "p/B", Super: "p/A"}
	b.Methods = []*Method{{Access: AccPublic, Name: "v", Descriptor: "()I"}}
	fin := &Class{Name: "p/F", Super: "p/B", Access: AccPublic | AccFinal}
	fin.Methods = []*Method{{Access: AccPublic, Name: "v", Descriptor: "()I"}}
	i := &Class{Name: "p/I", Access: AccInterface | AccAbstract}
	i.Methods = []*Method{{Access: AccPublic | AccAbstract, Name: "w", Descriptor: "()V"}}
	i.Fields = []*Field{{Access: AccPublic | AccStatic | AccFinal, Name: "K", Descriptor: "I"}}
	return NewClassSet(a, b, fin, i)
}

func TestResolveMethod(t *testing.T) {
	cp := hierarchy()
	tests := []struct {
		ref   MethodRef
		owner string
		ok    bool
	}{
		{MethodRef{Class: "p/A", Name: "v", Descriptor: "()I"}, "p/A", true},
		{MethodRef{Class: "p/B", Name: "v", Descriptor: "()I"}, "p/B", true},
		{MethodRef{Class: "p/B", Name: "fixed", Descriptor: "()I"}, "p/A", true},
		{MethodRef{Class: "p/F", Name: "make", Descriptor: "()Lp/A;"}, "p/A", true},
		{MethodRef{Class: "p/F", Name: "w", Descriptor: "()V"}, "p/I", true},
		{MethodRef{Class: "p/B", Name: "v", Descriptor: "()J"}, "p/B", false},
		{MethodRef{Class: "q/Missing", Name: "v", Descriptor: "()I"}, "q/Missing", false},
	}
	for _, tt := range tests {
		got, ok := ResolveMethod(cp, tt.ref)
		if got.Class != tt.owner || ok != tt.ok {
			t.Errorf("ResolveMethod(%s) = %s, %v, want %s, %v", tt.ref, got.Class, ok, tt.owner, tt.ok)
		}
		if got.Name != tt.ref.Name || got.Descriptor != tt.ref.Descriptor {
			t.Errorf("ResolveMethod(%s) changed the signature to %s", tt.ref, got)
		}
	}

	if got, ok := ResolveMethod(nil, MethodRef{Class: "p/B", Name: "v", Descriptor: "()I"}); ok || got.Class != "p/B" {
		t.Errorf("nil class path resolved to %s", got)
	}
}

func TestResolveField(t *testing.T) {
	cp := hierarchy()
	tests := []struct {
		ref   FieldRef
		owner string
		ok    bool
	}{
		{FieldRef{Class: "p/F", Name: "n", Descriptor: "I"}, "p/A", true},
		{FieldRef{Class: "p/B", Name: "K", Descriptor: "I"}, "p/I", true},
		{FieldRef{Class: "p/B", Name: "n", Descriptor: "J"}, "p/B", false},
	}
	for _, tt := range tests {
		got, ok := ResolveField(cp, tt.ref)
		if got.Class != tt.owner || ok != tt.ok {
			t.Errorf("ResolveField(%s) = %s, %v, want %s, %v", tt.ref, got.Class, ok, tt.owner, tt.ok)
		}
	}
}

func TestOverridable(t *testing.T) {
	cp := hierarchy()
	tests := []struct {
		ref  MethodRef
		want bool
	}{
		{MethodRef{Class: "p/A", Name: "v", Descriptor: "()I"}, true},
		{MethodRef{Class: "p/A", Name: "fixed", Descriptor: "()I"}, false},
		{MethodRef{Class: "p/A", Name: "hidden", Descriptor: "()I"}, false},
		{MethodRef{Class: "p/A", Name: "make", Descriptor: "()Lp/A;"}, false},
		{MethodRef{Class: "p/F", Name: "v", Descriptor: "()I"}, false},
		{MethodRef{Class: "p/I", Name: "w", Descriptor: "()V"}, true},
		{MethodRef{Class: "p/A", Name: "<init>", Descriptor: "()V"}, false},
		{MethodRef{Class: "q/Missing", Name: "v", Descriptor: "()I"}, true},
	}
	for _, tt := range tests {
		if got := Overridable(cp, tt.ref); got != tt.want {
			t.Errorf("Overridable(%s) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}
