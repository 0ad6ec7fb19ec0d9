package summary

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var handlers = map[string]handler{
	"ping":                        ping,
	"push":                        push,
	"create":                      refChange("Create", "in"),
	"delete":                      refChange("Delete", "from"),
	"pull_request":                pullRequest,
	"pull_request_review":         pullRequestReview,
	"pull_request_review_comment": pullRequestReviewComment,
	"pull_request_review_thread":  generic("PR review thread", "thread", "path"),
	"issues":                      issues,
	"issue_comment":               issueComment,
	"commit_comment":              commitComment,
	"release":                     release,
	"fork":                        fork,
	"star":                        star,
	"watch":                       star,
	"workflow_run":                workflowRun,
	"workflow_job":                workflowJob,
	"check_run":                   check("Check run", "check_run"),
	"check_suite":                 check("Check suite", "check_suite"),
	"status":                      status,
	"deployment":                  generic("Deployment", "deployment", "environment", "ref", "id"),
	"deployment_status":           deploymentStatus,
	"discussion":                  generic("Discussion", "discussion", "title", "number"),
	"discussion_comment":          discussionComment,
	"gollum":                      gollum,
	"member":                      generic("Member", "member", "login"),
	"label":                       generic("Label", "label", "name", "color", "id"),
	"milestone":                   generic("Milestone", "milestone", "title", "number"),
	"repository":                  generic("Repository", "repository", "full_name", "name"),
	"public":                      public,
	"package":                     generic("Package", "package", "name", "package_type", "id"),
	"registry_package":            generic("Registry package", "registry_package", "name", "package_type", "id"),
	"merge_group":                 generic("Merge group", "merge_group", "head_ref", "head_sha"),
	"branch_protection_rule":      generic("Branch protection rule", "rule", "name", "pattern"),
	"repository_ruleset":          generic("Repository ruleset", "repository_ruleset", "name", "id"),
	"dependabot_alert":            generic("Dependabot alert", "alert", "security_advisory.summary", "number"),
	"code_scanning_alert":         generic("Code scanning alert", "alert", "rule.description", "number"),
	"secret_scanning_alert":       generic("Secret scanning alert", "alert", "secret_type_display_name", "number"),
	"repository_advisory":         generic("Repository advisory", "repository_advisory", "summary", "ghsa_id", "cve_id"),
	"security_advisory":           generic("Security advisory", "security_advisory", "summary", "ghsa_id"),
	"deploy_key":                  generic("Deploy key", "key", "title", "id"),
	"team":                        generic("Team", "team", "name", "slug"),
	"team_add":                    generic("Team add", "team", "name", "slug"),
	"organization":                generic("Organization", "organization", "login"),
	"installation":                generic("Installation", "installation", "account.login", "id"),
	"installation_repositories":   generic("Installation repositories", "installation", "account.login", "id"),
	"sponsorship":                 generic("Sponsorship", "sponsorship", "tier.name", "sponsor.login"),
	"sub_issues":                  generic("Sub-issues", "sub_issue", "title", "number"),
	"projects_v2_item":            generic("Project item", "projects_v2_item", "content_type", "id"),
	"repository_dispatch":         repositoryDispatch,
	"workflow_dispatch":           workflowDispatch,
	"page_build":                  pageBuild,
	"meta":                        generic("Webhook", "hook", "id"),
}

func ping(p gjson.Result) string {
	lines := []string{
		"<b>GitHub webhook ping received</b>",
		"repository: " + code(orDefault(repo(p), "?")),
		"hook_id: " + code(orDefault(first(p, "hook_id", "hook.id"), "?")),
	}
	events := p.Get("hook.events").Array()
	if len(events) == 0 {
		lines = append(lines, "events: <code>*</code>")
	} else {
		names := make([]string, 0, len(events))
		for _, e := range events {
			names = append(names, code(e.String()))
		}
		lines = append(lines, "events: "+strings.Join(names, ", "))
	}
	if u := first(p, "hook.config.url"); u != "" {
		lines = append(lines, "payload_url: "+link(u, ""))
	}
	if zen := first(p, "zen"); zen != "" {
		lines = append(lines, "zen: "+esc(zen))
	}
	return strings.Join(lines, "\n")
}

func push(p gjson.Result) string {
	repoName := orDefault(repo(p), "?")
	ref := first(p, "ref")
	target := "branch"
	if strings.HasPrefix(ref, "refs/tags/") {
		target = "tag"
	}
	name := strings.TrimPrefix(strings.TrimPrefix(ref, "refs/heads/"), "refs/tags/")
	if name == "" {
		name = "unknown"
	}
	who := orDefault(first(p, "pusher.name"), actor(p))

	if p.Get("deleted").Bool() {
		return joinLines(
			fmt.Sprintf("<b>Deleted</b> %s %s from %s by %s", target, code(name), code(repoName), bold(who)),
			link(first(p, "repository.html_url"), "Repository"),
		)
	}

	commits := p.Get("commits").Array()
	noun := "commits"
	if len(commits) == 1 {
		noun = "commit"
	}
	head := fmt.Sprintf("<b>Push</b> to %s %s in %s by %s (%d %s)", target, code(name), code(repoName), bold(who), len(commits), noun)
	if p.Get("forced").Bool() {
		head += " <i>(forced)</i>"
	}

	lines := []string{head}
	if cmp := first(p, "compare"); cmp != "" {
		lines = append(lines, link(cmp, "Compare"))
	}
	if len(commits) > 0 {
		lines = append(lines, "")
	}
	for i, c := range commits {
		if i == maxCommits {
			lines = append(lines, fmt.Sprintf("<i>+%d more commits</i>", len(commits)-maxCommits))
			break
		}
		sha := first(c, "id")
		if len(sha) > 7 {
			sha = sha[:7]
		}
		lines = append(lines, code(sha)+" "+esc(firstLine(first(c, "message"), maxLine)))
		if u := first(c, "url"); u != "" {
			lines = append(lines, link(u, "View commit"))
		}
	}
	return strings.Join(lines, "\n")
}

func refChange(label, preposition string) handler {
	return func(p gjson.Result) string {
		line := fmt.Sprintf("%s %s %s", bold(label), esc(orDefault(first(p, "ref_type"), "ref")), code(orDefault(first(p, "ref"), "?")))
		if r := repo(p); r != "" {
			line += " " + preposition + " " + code(r)
		}
		return line + " by " + bold(actor(p))
	}
}

func pullRequest(p gjson.Result) string {
	pr := p.Get("pull_request")
	action := first(p, "action")
	if action == "closed" && pr.Get("merged").Bool() {
		action = "merged"
	}
	return joinLines(
		refLine("Pull request", repo(p), first(p, "pull_request.number", "number"), action, actor(p)),
		boldIf(first(pr, "title")),
		esc(orDefault(first(pr, "head.ref"), "?"))+" → "+esc(orDefault(first(pr, "base.ref"), "?")),
		link(first(pr, "html_url"), "View pull request"),
	)
}

func pullRequestReview(p gjson.Result) string {
	action := first(p, "action")
	state := first(p, "review.state")
	stateLine := ""
	if state != "" && !strings.EqualFold(state, action) {
		stateLine = "state: " + code(state)
	}
	return joinLines(
		refLine("Pull request review", repo(p), first(p, "pull_request.number", "number"), orDefault(action, state), actor(p)),
		stateLine,
		esc(firstLine(first(p, "review.body"), maxExcerpt)),
		link(first(p, "review.html_url", "pull_request.html_url"), "View review"),
	)
}

func pullRequestReviewComment(p gjson.Result) string {
	fileLine := ""
	if path := first(p, "comment.path"); path != "" {
		fileLine = "file: " + code(path)
		if line := first(p, "comment.line", "comment.position"); line != "" {
			fileLine += " (line " + esc(line) + ")"
		}
	}
	return joinLines(
		refLine("PR review comment", repo(p), first(p, "pull_request.number", "number"), first(p, "action"), actor(p)),
		fileLine,
		esc(firstLine(first(p, "comment.body"), maxExcerpt)),
		link(first(p, "comment.html_url", "pull_request.html_url"), "View comment"),
	)
}

func issues(p gjson.Result) string {
	return joinLines(
		refLine("Issue", repo(p), first(p, "issue.number", "number"), first(p, "action"), actor(p)),
		boldIf(first(p, "issue.title")),
		link(first(p, "issue.html_url"), "View issue"),
	)
}

func issueComment(p gjson.Result) string {
	label := "Issue comment"
	if p.Get("issue.pull_request").Exists() {
		label = "PR comment"
	}
	return joinLines(
		refLine(label, repo(p), first(p, "issue.number"), first(p, "action"), actor(p)),
		esc(firstLine(first(p, "comment.body"), maxExcerpt)),
		link(first(p, "comment.html_url", "issue.html_url"), "View comment"),
	)
}

func commitComment(p gjson.Result) string {
	sha := first(p, "comment.commit_id")
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return joinLines(
		mainLine("Commit comment", sha, first(p, "action"), repo(p), actor(p)),
		esc(firstLine(first(p, "comment.body"), maxExcerpt)),
		link(first(p, "comment.html_url"), "View comment"),
	)
}

func release(p gjson.Result) string {
	name := first(p, "release.name", "release.tag_name")
	tag := first(p, "release.tag_name")
	head := mainLine("Release", name, first(p, "action"), repo(p), actor(p))
	var flags []string
	if p.Get("release.prerelease").Bool() {
		flags = append(flags, "pre-release")
	}
	if p.Get("release.draft").Bool() {
		flags = append(flags, "draft")
	}
	if len(flags) > 0 {
		head += " <i>(" + strings.Join(flags, ", ") + ")</i>"
	}
	tagLine := ""
	if tag != "" && tag != name {
		tagLine = "tag: " + code(tag)
	}
	return joinLines(head, tagLine, link(first(p, "release.html_url"), "View release"))
}

func fork(p gjson.Result) string {
	return joinLines(
		fmt.Sprintf("%s %s forked to %s by %s", bold("Fork"), code(orDefault(repo(p), "?")), code(orDefault(first(p, "forkee.full_name"), "?")), bold(actor(p))),
		link(first(p, "forkee.html_url"), "View fork"),
	)
}

func star(p gjson.Result) string {
	line := fmt.Sprintf("%s %s %s by %s", bold("Star"), code(orDefault(repo(p), "?")), bold(orDefault(first(p, "action"), "starred")), bold(actor(p)))
	if n := first(p, "repository.stargazers_count"); n != "" {
		line += " (" + esc(n) + " ⭐)"
	}
	return line
}

func workflowRun(p gjson.Result) string {
	run := p.Get("workflow_run")
	state := orDefault(first(run, "conclusion"), first(run, "status"))
	return joinLines(
		mainLine("Workflow", first(run, "name", "display_title"), orDefault(state, first(p, "action")), repo(p), actor(p)),
		branchLine(first(run, "head_branch"), first(run, "event")),
		link(first(run, "html_url"), "View run"),
	)
}

func workflowJob(p gjson.Result) string {
	job := p.Get("workflow_job")
	state := orDefault(first(job, "conclusion"), first(job, "status"))
	return joinLines(
		mainLine("Workflow job", first(job, "name"), orDefault(state, first(p, "action")), repo(p), actor(p)),
		branchLine(first(job, "head_branch"), first(job, "workflow_name")),
		link(first(job, "html_url"), "View job"),
	)
}

func check(label, path string) handler {
	return func(p gjson.Result) string {
		c := p.Get(path)
		state := orDefault(first(c, "conclusion"), first(c, "status"))
		return joinLines(
			mainLine(label, first(c, "name", "app.name", "head_sha"), orDefault(state, first(p, "action")), repo(p), actor(p)),
			link(first(c, "html_url", "details_url"), "View details"),
		)
	}
}

func status(p gjson.Result) string {
	sha := first(p, "sha")
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return joinLines(
		mainLine("Status", first(p, "context"), first(p, "state"), repo(p), actor(p)),
		"commit: "+code(orDefault(sha, "?")),
		esc(firstLine(first(p, "description"), maxExcerpt)),
		link(first(p, "target_url"), "View details"),
	)
}

func deploymentStatus(p gjson.Result) string {
	return joinLines(
		mainLine("Deployment status", first(p, "deployment.environment", "deployment_status.environment"), first(p, "deployment_status.state"), repo(p), actor(p)),
		esc(firstLine(first(p, "deployment_status.description"), maxExcerpt)),
		link(first(p, "deployment_status.target_url", "deployment_status.environment_url"), "View deployment"),
	)
}

func discussionComment(p gjson.Result) string {
	return joinLines(
		refLine("Discussion comment", repo(p), first(p, "discussion.number"), first(p, "action"), actor(p)),
		boldIf(first(p, "discussion.title")),
		esc(firstLine(first(p, "comment.body"), maxExcerpt)),
		link(first(p, "comment.html_url", "discussion.html_url"), "View comment"),
	)
}

func gollum(p gjson.Result) string {
	lines := []string{mainLine("Wiki", "", "updated", repo(p), actor(p))}
	for _, page := range p.Get("pages").Array() {
		title := orDefault(first(page, "title", "page_name"), "page")
		line := esc(first(page, "action")) + " " + link(first(page, "html_url"), title)
		if first(page, "html_url") == "" {
			line = esc(first(page, "action")) + " " + esc(title)
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	return strings.Join(lines, "\n")
}

func public(p gjson.Result) string {
	return fmt.Sprintf("%s %s is now public (by %s)", bold("Repository"), code(orDefault(repo(p), "?")), bold(actor(p)))
}

func repositoryDispatch(p gjson.Result) string {
	return mainLine("Repository dispatch", first(p, "action", "event_type"), "", repo(p), actor(p))
}

func workflowDispatch(p gjson.Result) string {
	return joinLines(
		mainLine("Workflow dispatch", first(p, "workflow"), "", repo(p), actor(p)),
		branchLine(strings.TrimPrefix(first(p, "ref"), "refs/heads/"), ""),
	)
}

func pageBuild(p gjson.Result) string {
	line := mainLine("Pages build", "", first(p, "build.status"), repo(p), actor(p))
	if msg := first(p, "build.error.message"); msg != "" {
		line += "\n" + esc(firstLine(msg, maxExcerpt))
	}
	return line
}

func branchLine(branch, trigger string) string {
	if branch == "" && trigger == "" {
		return ""
	}
	parts := make([]string, 0, 2)
	if branch != "" {
		parts = append(parts, "branch: "+code(branch))
	}
	if trigger != "" {
		parts = append(parts, "via "+code(trigger))
	}
	return strings.Join(parts, " ")
}

func boldIf(s string) string {
	if s == "" {
		return ""
	}
	return bold(s)
}
