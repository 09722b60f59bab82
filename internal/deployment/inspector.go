package deployment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/go-git/go-git/v5"
	log "github.com/sirupsen/logrus"
)

const (
	composeProjectLabel = "com.docker.compose.project"
	composeServiceLabel = "com.docker.compose.service"
)

// Snapshot records what was deployed at a point in time: the checked out
// revision of the deployment root and the image of every running container.
type Snapshot struct {
	Revision string            `json:"revision,omitempty"`
	Branch   string            `json:"branch,omitempty"`
	Images   map[string]string `json:"images,omitempty"`
	TakenAt  time.Time         `json:"takenAt"`
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Images != nil {
		c.Images = make(map[string]string, len(s.Images))
		for k, v := range s.Images {
			c.Images[k] = v
		}
	}
	return &c
}

// DockerClient is the subset of the Docker API the inspector needs.
type DockerClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

type Inspector struct {
	root    string
	project string
	docker  DockerClient
}

// NewInspector inspects the deployment rooted at root. docker may be nil when
// the daemon is not reachable; snapshots then carry only the git revision.
func NewInspector(root, project string, docker DockerClient) *Inspector {
	return &Inspector{root: root, project: project, docker: docker}
}

func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

// Revision returns the commit checked out in the deployment root and the
// branch name, which is empty for a detached HEAD.
func (i *Inspector) Revision() (string, string, error) {
	repo, err := git.PlainOpenWithOptions(i.root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", "", fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("get head: %w", err)
	}

	var branch string
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return head.Hash().String(), branch, nil
}

// Images maps each running container (by compose service when available) to
// its image reference.
func (i *Inspector) Images(ctx context.Context) (map[string]string, error) {
	if i.docker == nil {
		return nil, errors.New("docker not available")
	}

	opts := container.ListOptions{}
	if i.project != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", composeProjectLabel+"="+i.project))
	}

	containers, err := i.docker.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	images := make(map[string]string, len(containers))
	for _, c := range containers {
		images[containerName(c)] = c.Image
	}
	return images, nil
}

func containerName(c types.Container) string {
	if svc := c.Labels[composeServiceLabel]; svc != "" {
		return svc
	}
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// Snapshot is best effort: whatever cannot be inspected is left empty.
func (i *Inspector) Snapshot(ctx context.Context) *Snapshot {
	s := &Snapshot{TakenAt: time.Now().UTC()}

	rev, branch, err := i.Revision()
	if err != nil {
		log.WithError(err).Debug("deployment revision unavailable")
	} else {
		s.Revision = rev
		s.Branch = branch
	}

	if i.docker != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		images, err := i.Images(ctx)
		if err != nil {
			log.WithError(err).Debug("container images unavailable")
		} else {
			s.Images = images
		}
	}

	return s
}
