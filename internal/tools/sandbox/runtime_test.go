package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type dockerCall struct {
	args  []string
	files map[string]string
}

// fakeDocker answers docker CLI invocations from canned responses.
type fakeDocker struct {
	calls     []dockerCall
	createOut string
	createErr error
	startOut  string
	startErr  error
	cpOut     []byte
}

func (f *fakeDocker) Run(_ context.Context, stdin io.Reader, args ...string) ([]byte, []byte, error) {
	call := dockerCall{args: args}
	if stdin != nil {
		call.files = readTar(stdin)
	}
	f.calls = append(f.calls, call)

	switch args[0] {
	case "create":
		if f.createErr != nil {
			return nil, []byte("Unable to find image"), f.createErr
		}
		return []byte(f.createOut + "\n"), nil, nil
	case "start":
		return []byte(f.startOut), []byte("stderr noise"), f.startErr
	case "cp":
		if args[1] == "-" {
			return nil, nil, nil
		}
		return f.cpOut, nil, nil
	}
	return nil, nil, nil
}

func readTar(r io.Reader) map[string]string {
	files := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return files
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		b, _ := io.ReadAll(tr)
		files[hdr.Name] = string(b)
	}
}

func tarOf(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	tw.Write([]byte(content))
	tw.Close()
	return buf.Bytes()
}

func TestDockerRuntime_Lifecycle(t *testing.T) {
	docker := &fakeDocker{
		createOut: "0123456789abcdef",
		startOut:  "\n" + outcomeSentinel + "\n" + `{"stdout":["4"],"results":[],"error":null}` + "\n",
		cpOut:     tarOf(t, "cleaned_data.csv", "a\n1\n"),
	}
	rt := NewDockerRuntime(DockerConfig{Image: "img:1", CPUs: "1", Memory: "1g"}, docker, nil)
	ctx := context.Background()

	env, err := rt.Provision(ctx)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	create := strings.Join(docker.calls[0].args, " ")
	for _, want := range []string{"create", "--network none", "--cpus 1", "--memory 1g", "--memory-swap 1g", "-w /workspace", "img:1 python /workspace/.spectra_harness.py"} {
		if !strings.Contains(create, want) {
			t.Errorf("create args %q missing %q", create, want)
		}
	}
	harness := docker.calls[1]
	if strings.Join(harness.args, " ") != "cp - 0123456789abcdef:/" {
		t.Errorf("harness copy args = %v", harness.args)
	}
	if !strings.Contains(harness.files["workspace/"+harnessFileName], outcomeSentinel) {
		t.Errorf("harness not copied: %v", harness.files)
	}

	if err := env.WriteFile(ctx, "../dataset.csv", []byte("a,b\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if got := docker.calls[2].files["workspace/dataset.csv"]; got != "a,b\n" {
		t.Errorf("dataset copy = %q", got)
	}

	outcome, err := env.RunCode(ctx, "print(2+2)")
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if docker.calls[3].files["workspace/main.py"] != "print(2+2)" {
		t.Errorf("code copy = %v", docker.calls[3].files)
	}
	if strings.Join(docker.calls[4].args, " ") != "start -a 0123456789abcdef" {
		t.Errorf("start args = %v", docker.calls[4].args)
	}
	if len(outcome.Stdout) != 1 || outcome.Stdout[0] != "4" {
		t.Errorf("stdout = %v", outcome.Stdout)
	}
	if _, err := env.RunCode(ctx, "1"); err == nil {
		t.Error("second RunCode should fail")
	}

	data, err := env.ReadFile(ctx, "cleaned_data.csv")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "a\n1\n" {
		t.Errorf("ReadFile = %q", data)
	}
	last := docker.calls[len(docker.calls)-1]
	if strings.Join(last.args, " ") != "cp 0123456789abcdef:/workspace/cleaned_data.csv -" {
		t.Errorf("read args = %v", last.args)
	}

	if err := env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	last = docker.calls[len(docker.calls)-1]
	if strings.Join(last.args, " ") != "rm -f 0123456789abcdef" {
		t.Errorf("close args = %v", last.args)
	}
}

func TestDockerRuntime_ProvisionFailure(t *testing.T) {
	docker := &fakeDocker{createErr: errors.New("exit status 125")}
	rt := NewDockerRuntime(DockerConfig{}, docker, nil)

	_, err := rt.Provision(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "docker create") || !strings.Contains(err.Error(), "Unable to find image") {
		t.Errorf("error = %v", err)
	}
}

func TestDockerRuntime_StartFailureWithoutEnvelope(t *testing.T) {
	docker := &fakeDocker{createOut: "abc", startErr: errors.New("exit status 137")}
	rt := NewDockerRuntime(DockerConfig{}, docker, nil)
	ctx := context.Background()

	env, err := rt.Provision(ctx)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	defer env.Close()

	_, err = env.RunCode(ctx, "while True: pass")
	if err == nil || !strings.Contains(err.Error(), "docker start") || !strings.Contains(err.Error(), "exit status 137") {
		t.Errorf("error = %v", err)
	}
}

func TestDockerRuntime_ReadFileMissingFromArchive(t *testing.T) {
	docker := &fakeDocker{createOut: "abc", cpOut: tarOf(t, "other.csv", "x")}
	rt := NewDockerRuntime(DockerConfig{}, docker, nil)
	env, err := rt.Provision(context.Background())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, err := env.ReadFile(context.Background(), "cleaned_data.csv"); err == nil {
		t.Error("expected error for missing file")
	}
}
