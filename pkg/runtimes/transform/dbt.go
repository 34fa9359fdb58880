package transform

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/job"
)

// EnvPassword carries the warehouse password into the job. The generated
// profile reads it with env_var, so the password never enters the
// ConfigMap or the invocation.
const EnvPassword = "DBT_ENV_SECRET_PASSWORD"

const workDir = "/tmp/dbt"

// Target is the Postgres warehouse dbt materializes tables in.
type Target struct {
	Host     string
	Port     uint16
	User     string
	Password string
	Database string
	Schema   string
}

type profileOutput struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Schema   string `yaml:"schema"`
	Threads  int    `yaml:"threads"`
}

type profile struct {
	Target  string                   `yaml:"target"`
	Outputs map[string]profileOutput `yaml:"outputs"`
}

type dbtProject struct {
	Name          string   `yaml:"name"`
	Version       string   `yaml:"version"`
	ConfigVersion int      `yaml:"config-version"`
	Profile       string   `yaml:"profile"`
	ModelPaths    []string `yaml:"model-paths"`
}

type modelConfig struct {
	Materialized string `yaml:"materialized"`
}

type model struct {
	Name   string      `yaml:"name"`
	Config modelConfig `yaml:"config"`
}

type modelProperties struct {
	Version int     `yaml:"version"`
	Models  []model `yaml:"models"`
}

// projectFiles renders the dbt project that materializes sql as table.
func projectFiles(project, table, sql string, target Target) (map[string]string, error) {
	files := make(map[string]string, 4)

	profiles := map[string]profile{
		"postgres": {
			Target: "dev",
			Outputs: map[string]profileOutput{
				"dev": {
					Type:     "postgres",
					Host:     target.Host,
					User:     target.User,
					Password: "{{ env_var('" + EnvPassword + "') }}",
					Port:     int(target.Port),
					DBName:   target.Database,
					Schema:   target.Schema,
					Threads:  1,
				},
			},
		},
	}
	docs := []struct {
		file string
		v    interface{}
	}{
		{"profiles.yml", profiles},
		{"dbt_project.yml", dbtProject{
			Name:          strings.ReplaceAll(project, "-", "_"),
			Version:       "1.0.0",
			ConfigVersion: 2,
			Profile:       "postgres",
			ModelPaths:    []string{"models"},
		}},
		{"model.yml", modelProperties{
			Version: 2,
			Models:  []model{{Name: table, Config: modelConfig{Materialized: "table"}}},
		}},
	}
	for _, d := range docs {
		b, err := yaml.Marshal(d.v)
		if err != nil {
			return nil, engine.NewValidationError("failed to render "+d.file, err)
		}
		files[d.file] = string(b)
	}
	files["model.sql"] = sql
	return files, nil
}

// command lays the mounted files out as a dbt project and runs it.
func command(table string) []string {
	script := strings.Join([]string{
		"set -e",
		"mkdir -p " + workDir + "/models",
		"cp " + job.ConfigMountPath + "/dbt_project.yml " + workDir + "/",
		fmt.Sprintf("cp %s/model.sql %s/models/%s.sql", job.ConfigMountPath, workDir, table),
		fmt.Sprintf("cp %s/model.yml %s/models/%s.yml", job.ConfigMountPath, workDir, table),
		fmt.Sprintf("cd %s && dbt run --profiles-dir %s --project-dir %s", workDir, job.ConfigMountPath, workDir),
	}, "\n")
	return []string{"sh", "-c", script}
}

// Location is the path recorded on the output DataItem.
func (t Target) Location(table string) string {
	host := t.Host
	if t.Port != 0 {
		host += ":" + strconv.Itoa(int(t.Port))
	}
	return fmt.Sprintf("sql://%s/%s/%s/%s", host, t.Database, t.Schema, table)
}
