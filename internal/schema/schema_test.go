package schema

import "testing"

func validDescriptor(name string) ModuleDescriptor {
	return ModuleDescriptor{
		Name:          name,
		InputSchema:   []byte(`{"type":"object"}`),
		InputSubject:  "agent.a1." + name + ".in",
		OutputSubject: "agent.a1." + name + ".out",
		ErrorSubject:  "agent.a1." + name + ".error",
	}
}

func TestModuleDescriptorValidate(t *testing.T) {
	if err := validDescriptor("echo").Validate(); err != nil {
		t.Fatalf("expected valid descriptor, got %v", err)
	}
}

func TestModuleDescriptorRejectsEmptySubject(t *testing.T) {
	d := validDescriptor("echo")
	d.OutputSubject = ""
	if err := d.Validate(); err == nil {
		t.Fatalf("expected error for empty output subject")
	}
}

func TestModuleDescriptorRejectsDuplicateSubjects(t *testing.T) {
	d := validDescriptor("echo")
	d.ErrorSubject = d.InputSubject
	if err := d.Validate(); err == nil {
		t.Fatalf("expected error for non-distinct subjects")
	}
}

func TestCapabilityDocumentRejectsDuplicateModuleNames(t *testing.T) {
	doc := CapabilityDocument{Modules: []ModuleDescriptor{validDescriptor("echo"), validDescriptor("echo")}}
	if err := doc.Validate(); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestCapabilityDocumentModuleLookup(t *testing.T) {
	doc := CapabilityDocument{Modules: []ModuleDescriptor{validDescriptor("echo"), validDescriptor("ping")}}
	m, ok := doc.Module("ping")
	if !ok || m.Name != "ping" {
		t.Fatalf("expected to find ping descriptor")
	}
	if _, ok := doc.Module("missing"); ok {
		t.Fatalf("expected missing module to be absent")
	}
}

func TestCapabilityDocumentFingerprintStableUnderReorder(t *testing.T) {
	a := CapabilityDocument{Modules: []ModuleDescriptor{validDescriptor("echo"), validDescriptor("ping")}}
	b := CapabilityDocument{Modules: []ModuleDescriptor{validDescriptor("ping"), validDescriptor("echo")}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected fingerprint to be order-independent")
	}
}

func TestCapabilityDocumentFingerprintChangesOnModuleAdd(t *testing.T) {
	a := CapabilityDocument{Modules: []ModuleDescriptor{validDescriptor("echo")}}
	b := CapabilityDocument{Modules: []ModuleDescriptor{validDescriptor("echo"), validDescriptor("ping")}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected fingerprint to change when a module is added")
	}
}
